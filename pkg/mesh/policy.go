package mesh

import (
	"sort"

	"github.com/stv0g/pion-mesh/pkg"
)

// Policy decides which members of a roster the local participant dials.
type Policy interface {
	Targets(local pkg.ParticipantID, members []pkg.Member) []pkg.ParticipantID
}

// AscendingPolicy dials every member with a greater id. For any pair of
// participants exactly one of them dials, and it is the impolite side.
type AscendingPolicy struct{}

func (AscendingPolicy) Targets(local pkg.ParticipantID, members []pkg.Member) []pkg.ParticipantID {
	seen := map[pkg.ParticipantID]bool{}
	targets := []pkg.ParticipantID{}

	for _, m := range members {
		id := m.ParticipantID
		if !local.Less(id) || seen[id] {
			continue
		}

		seen[id] = true
		targets = append(targets, id)
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Less(targets[j])
	})

	return targets
}
