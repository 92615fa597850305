package grid

// Neighborer is the neighbor query Reach walks
type Neighborer interface {
	Neighbors(id CellID, dim Dimension, dir int) ([]CellID, error)
}

// Reach returns the cells within hops face steps of id on the dir side of
// dim, following every branch at refinement jumps. id itself is excluded
// unless a periodic walk returns to it.
func Reach(mesh Neighborer, id CellID, dim Dimension, dir, hops int) ([]CellID, error) {
	seen := make(map[CellID]bool)
	var out []CellID
	frontier := []CellID{id}
	for h := 0; h < hops && len(frontier) > 0; h++ {
		var next []CellID
		for _, c := range frontier {
			nbrs, err := mesh.Neighbors(c, dim, dir)
			if err != nil {
				return nil, err
			}
			for _, n := range nbrs {
				if seen[n] {
					continue
				}
				seen[n] = true
				out = append(out, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out, nil
}
