package spatial

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/VlasovAMR/vmesh"
)

// Block holds the phase-space density samples of one velocity block
type Block [vmesh.WID3]float64

// Moments are the bulk velocity moments of one population
type Moments struct {
	Rho float64    // Number density
	V   [3]float64 // Bulk velocity
	P   [3]float64 // Diagonal pressure per unit particle mass
}

// Population is a sparse set of velocity blocks of one ion species
type Population struct {
	gids []vmesh.GlobalID
	lids map[vmesh.GlobalID]vmesh.LocalID
	data []Block

	Moments Moments
}

// NewPopulation creates an empty population
func NewPopulation() *Population {
	return &Population{lids: make(map[vmesh.GlobalID]vmesh.LocalID)}
}

// Size returns the number of blocks
func (p *Population) Size() int {
	return len(p.gids)
}

// GlobalToLocal translates a block global ID, InvalidLocalID if absent
func (p *Population) GlobalToLocal(gid vmesh.GlobalID) vmesh.LocalID {
	if lid, ok := p.lids[gid]; ok {
		return lid
	}
	return vmesh.InvalidLocalID
}

// LocalToGlobal translates a local block index, InvalidGlobalID if out of range
func (p *Population) LocalToGlobal(lid vmesh.LocalID) vmesh.GlobalID {
	if int(lid) >= len(p.gids) {
		return vmesh.InvalidGlobalID
	}
	return p.gids[lid]
}

// Block returns the block gid, nil if the population has no such block
func (p *Population) Block(gid vmesh.GlobalID) *Block {
	lid, ok := p.lids[gid]
	if !ok {
		return nil
	}
	return &p.data[lid]
}

// AddBlock returns block gid, creating a zero block if absent. Returned
// pointers stay valid until the next AddBlock or Replace.
func (p *Population) AddBlock(gid vmesh.GlobalID) *Block {
	if lid, ok := p.lids[gid]; ok {
		return &p.data[lid]
	}
	p.lids[gid] = vmesh.LocalID(len(p.gids))
	p.gids = append(p.gids, gid)
	p.data = append(p.data, Block{})
	return &p.data[len(p.data)-1]
}

// GlobalIDs returns the block IDs in local order
func (p *Population) GlobalIDs() []vmesh.GlobalID {
	out := make([]vmesh.GlobalID, len(p.gids))
	copy(out, p.gids)
	return out
}

// Replace swaps the whole block set for blocks, ordered by global ID.
// Blocks that are entirely zero are dropped.
func (p *Population) Replace(blocks map[vmesh.GlobalID]*Block) {
	gids := make([]vmesh.GlobalID, 0, len(blocks))
	for gid, b := range blocks {
		if isZero(b) {
			continue
		}
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })

	p.gids = gids
	p.lids = make(map[vmesh.GlobalID]vmesh.LocalID, len(gids))
	p.data = make([]Block, len(gids))
	for lid, gid := range gids {
		p.lids[gid] = vmesh.LocalID(lid)
		p.data[lid] = *blocks[gid]
	}
}

// Clone returns a deep copy
func (p *Population) Clone() *Population {
	out := &Population{
		gids:    make([]vmesh.GlobalID, len(p.gids)),
		lids:    make(map[vmesh.GlobalID]vmesh.LocalID, len(p.lids)),
		data:    make([]Block, len(p.data)),
		Moments: p.Moments,
	}
	copy(out.gids, p.gids)
	copy(out.data, p.data)
	for gid, lid := range p.lids {
		out.lids[gid] = lid
	}
	return out
}

// UpdateMoments recomputes density, bulk velocity and diagonal pressure
func (p *Population) UpdateMoments(vm vmesh.Mesh) error {
	var (
		rho float64
		nv  [3]float64
		nvv [3]float64
		vel [3][vmesh.WID3]float64
	)
	for lid, gid := range p.gids {
		bp, err := vm.BlockParameters(gid)
		if err != nil {
			return fmt.Errorf("block %d: %w", gid, err)
		}
		dv3 := bp.CellVolume()
		f := p.data[lid][:]
		for d := 0; d < 3; d++ {
			for c := 0; c < vmesh.WID3; c++ {
				vel[d][c] = bp.CellVelocity(c, d)
			}
		}
		rho += floats.Sum(f) * dv3
		for d := 0; d < 3; d++ {
			nv[d] += floats.Dot(f, vel[d][:]) * dv3
			for c := 0; c < vmesh.WID3; c++ {
				nvv[d] += f[c] * vel[d][c] * vel[d][c] * dv3
			}
		}
	}

	m := Moments{Rho: rho}
	if rho > 0 {
		for d := 0; d < 3; d++ {
			m.V[d] = nv[d] / rho
			m.P[d] = nvv[d] - rho*m.V[d]*m.V[d]
		}
	}
	p.Moments = m
	return nil
}

func isZero(b *Block) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
