package partitions

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/vmesh"
)

// ContributionKey addresses one velocity block of one cell
type ContributionKey struct {
	Cell  grid.CellID    `msgpack:"c"`
	Block vmesh.GlobalID `msgpack:"b"`
}

// ContributionBuffer collects the partial block values one rank deposited
// into cells owned by a peer. Values are stored flat, WID3 per key, in the
// order keys were first added.
type ContributionBuffer struct {
	From   int               `msgpack:"from"`
	To     int               `msgpack:"to"`
	Dim    grid.Dimension    `msgpack:"dim"`
	Sign   int               `msgpack:"sign"`
	Pop    int               `msgpack:"pop"`
	Keys   []ContributionKey `msgpack:"keys"`
	Values []float64         `msgpack:"values"`

	index map[ContributionKey]int
}

// NewContributionBuffer creates an empty buffer for the from→to exchange
// of one sweep half
func NewContributionBuffer(from, to int, dim grid.Dimension, sign, pop int) *ContributionBuffer {
	return &ContributionBuffer{
		From:  from,
		To:    to,
		Dim:   dim,
		Sign:  sign,
		Pop:   pop,
		index: make(map[ContributionKey]int),
	}
}

// Add accumulates values into the entry for key
func (b *ContributionBuffer) Add(key ContributionKey, values *[vmesh.WID3]float64) {
	i, ok := b.index[key]
	if !ok {
		i = len(b.Keys)
		b.index[key] = i
		b.Keys = append(b.Keys, key)
		b.Values = append(b.Values, make([]float64, vmesh.WID3)...)
	}
	dst := b.Values[i*vmesh.WID3 : (i+1)*vmesh.WID3]
	for c, v := range values {
		dst[c] += v
	}
}

// Len returns the number of keys
func (b *ContributionBuffer) Len() int {
	return len(b.Keys)
}

// Entry returns the values of entry i
func (b *ContributionBuffer) Entry(i int) (ContributionKey, []float64) {
	return b.Keys[i], b.Values[i*vmesh.WID3 : (i+1)*vmesh.WID3]
}

// Sort orders entries by cell then block so encodings are reproducible
func (b *ContributionBuffer) Sort() {
	order := make([]int, len(b.Keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		ki, kj := b.Keys[order[i]], b.Keys[order[j]]
		if ki.Cell != kj.Cell {
			return ki.Cell < kj.Cell
		}
		return ki.Block < kj.Block
	})
	keys := make([]ContributionKey, len(b.Keys))
	values := make([]float64, len(b.Values))
	for dst, src := range order {
		keys[dst] = b.Keys[src]
		copy(values[dst*vmesh.WID3:(dst+1)*vmesh.WID3], b.Values[src*vmesh.WID3:(src+1)*vmesh.WID3])
		b.index[keys[dst]] = dst
	}
	b.Keys, b.Values = keys, values
}

// Validate checks sizes and that no key appears twice
func (b *ContributionBuffer) Validate() error {
	if len(b.Values) != len(b.Keys)*vmesh.WID3 {
		return fmt.Errorf("contribution buffer %d→%d holds %d values for %d keys",
			b.From, b.To, len(b.Values), len(b.Keys))
	}
	seen := make(map[ContributionKey]bool, len(b.Keys))
	for _, k := range b.Keys {
		if seen[k] {
			return fmt.Errorf("contribution buffer %d→%d repeats cell %d block %d",
				b.From, b.To, k.Cell, k.Block)
		}
		seen[k] = true
	}
	return nil
}

// Encode serializes the buffer
func (b *ContributionBuffer) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode contributions %d→%d: %w", b.From, b.To, err)
	}
	return data, nil
}

// DecodeContributionBuffer parses and validates an encoded buffer
func DecodeContributionBuffer(data []byte) (*ContributionBuffer, error) {
	b := &ContributionBuffer{}
	if err := msgpack.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode contributions: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	b.index = make(map[ContributionKey]int, len(b.Keys))
	for i, k := range b.Keys {
		b.index[k] = i
	}
	return b, nil
}
