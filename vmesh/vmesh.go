package vmesh

import (
	"fmt"
	"math"
)

// Velocity block dimensions
const (
	WID  = 4               // Velocity cells per block edge
	WID2 = WID * WID       // Velocity cells per block face
	WID3 = WID * WID * WID // Velocity cells per block
)

// GlobalID identifies a velocity block in the whole velocity mesh
type GlobalID uint32

// LocalID indexes a velocity block within one cell's block container
type LocalID uint32

// InvalidGlobalID and InvalidLocalID are returned for missing blocks
const (
	InvalidGlobalID GlobalID = math.MaxUint32
	InvalidLocalID  LocalID  = math.MaxUint32
)

// BlockParameters is the velocity-space geometry of one block
type BlockParameters struct {
	VMin [3]float64 // Block corner velocity
	DV   [3]float64 // Velocity cell size
}

// CellVelocity returns the velocity along dim of velocity cell c in the block
func (bp BlockParameters) CellVelocity(c, dim int) float64 {
	idx := CellIndices(c)
	return bp.VMin[dim] + (float64(idx[dim])+0.5)*bp.DV[dim]
}

// CellVolume returns the velocity-space volume of one velocity cell
func (bp BlockParameters) CellVolume() float64 {
	return bp.DV[0] * bp.DV[1] * bp.DV[2]
}

// CellIndices splits a velocity cell index into its (i,j,k) position
func CellIndices(c int) [3]int {
	return [3]int{c % WID, (c / WID) % WID, c / WID2}
}

// Mesh provides velocity block geometry and global ID translation
type Mesh interface {
	BlockParameters(gid GlobalID) (BlockParameters, error)
	NumBlocks() int
}

// Uniform is a velocity mesh of equal blocks covering [VMin, VMax)
type Uniform struct {
	Blocks [3]int
	VMin   [3]float64
	VMax   [3]float64

	blockSize [3]float64
}

// NewUniform creates a uniform velocity mesh with the given block counts
func NewUniform(blocks [3]int, vmin, vmax [3]float64) (*Uniform, error) {
	m := &Uniform{Blocks: blocks, VMin: vmin, VMax: vmax}
	for d := 0; d < 3; d++ {
		if blocks[d] <= 0 {
			return nil, fmt.Errorf("invalid block count %d along v%d", blocks[d], d)
		}
		if vmax[d] <= vmin[d] {
			return nil, fmt.Errorf("invalid velocity extent [%g, %g) along v%d", vmin[d], vmax[d], d)
		}
		m.blockSize[d] = (vmax[d] - vmin[d]) / float64(blocks[d])
	}
	return m, nil
}

// NumBlocks returns the number of blocks in the velocity mesh
func (m *Uniform) NumBlocks() int {
	return m.Blocks[0] * m.Blocks[1] * m.Blocks[2]
}

// GlobalID returns the block at block indices (i,j,k)
func (m *Uniform) GlobalID(i, j, k int) GlobalID {
	if i < 0 || j < 0 || k < 0 || i >= m.Blocks[0] || j >= m.Blocks[1] || k >= m.Blocks[2] {
		return InvalidGlobalID
	}
	return GlobalID(i + j*m.Blocks[0] + k*m.Blocks[0]*m.Blocks[1])
}

// Indices returns the block indices of gid
func (m *Uniform) Indices(gid GlobalID) ([3]int, error) {
	if int(gid) >= m.NumBlocks() {
		return [3]int{}, fmt.Errorf("block %d outside velocity mesh of %d blocks", gid, m.NumBlocks())
	}
	g := int(gid)
	return [3]int{g % m.Blocks[0], (g / m.Blocks[0]) % m.Blocks[1], g / (m.Blocks[0] * m.Blocks[1])}, nil
}

// BlockParameters returns the corner velocity and cell size of gid
func (m *Uniform) BlockParameters(gid GlobalID) (BlockParameters, error) {
	idx, err := m.Indices(gid)
	if err != nil {
		return BlockParameters{}, err
	}
	var bp BlockParameters
	for d := 0; d < 3; d++ {
		bp.VMin[d] = m.VMin[d] + float64(idx[d])*m.blockSize[d]
		bp.DV[d] = m.blockSize[d] / WID
	}
	return bp, nil
}

// BlockOf returns the block containing velocity v, or InvalidGlobalID
func (m *Uniform) BlockOf(v [3]float64) GlobalID {
	var idx [3]int
	for d := 0; d < 3; d++ {
		if v[d] < m.VMin[d] || v[d] >= m.VMax[d] {
			return InvalidGlobalID
		}
		idx[d] = int((v[d] - m.VMin[d]) / m.blockSize[d])
	}
	return m.GlobalID(idx[0], idx[1], idx[2])
}
