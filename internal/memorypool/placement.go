package memorypool

import "sort"

// ChooseGPU implements the placement policy of spec.md §4.2: among the
// candidate GPUs where CanAdmit holds, pick the one with the lowest
// current allocated, breaking ties by highest available then lowest id.
// Returns ("", false) if no candidate qualifies.
func (p *Pool) ChooseGPU(candidates []string, model string, audioSeconds float64) (string, bool) {
	type option struct {
		id        string
		allocated float64
		available float64
	}
	var opts []option
	for _, id := range candidates {
		ok, avail, _ := p.CanAdmit(id, model, audioSeconds)
		if !ok {
			continue
		}
		e, _ := p.entry(id)
		e.mu.Lock()
		allocated := e.allocatedGB
		e.mu.Unlock()
		opts = append(opts, option{id: id, allocated: allocated, available: avail})
	}
	if len(opts) == 0 {
		return "", false
	}
	sort.Slice(opts, func(i, j int) bool {
		if opts[i].allocated != opts[j].allocated {
			return opts[i].allocated < opts[j].allocated
		}
		if opts[i].available != opts[j].available {
			return opts[i].available > opts[j].available
		}
		return opts[i].id < opts[j].id
	})
	return opts[0].id, true
}
