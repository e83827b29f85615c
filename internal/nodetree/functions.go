package nodetree

type CallTreeFunction struct {
	Fingerprint   uint64   `json:"fingerprint"`
	Name          string   `json:"name"`
	File          string   `json:"file,omitempty"`
	Line          uint32   `json:"line,omitempty"`
	Queue         uint8    `json:"queue,omitempty"`
	Count         uint64   `json:"count"`
	DurationsNS   []uint64 `json:"durations_ns"`
	SelfTimesNS   []uint64 `json:"self_times_ns"`
	SumSelfTimeNS uint64   `json:"sum_self_time_ns"`
}

// CollectFunctions aggregates the nodes of trees sharing a fingerprint.
func CollectFunctions(roots []*Node, results map[uint64]CallTreeFunction) {
	Walk(roots, func(n *Node, _ []*Node) bool {
		self := n.SelfTimeNS()
		f, ok := results[n.Fingerprint]
		if !ok {
			f = CallTreeFunction{
				Fingerprint: n.Fingerprint,
				Name:        n.Name,
				File:        n.File,
				Line:        n.Line,
				Queue:       n.Queue,
			}
		}
		f.Count++
		f.DurationsNS = append(f.DurationsNS, n.DurationNS)
		f.SelfTimesNS = append(f.SelfTimesNS, self)
		f.SumSelfTimeNS += self
		results[n.Fingerprint] = f
		return true
	})
}
