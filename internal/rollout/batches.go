package rollout

import (
	"bytes"
	"math"
	"sort"

	"github.com/google/uuid"
)

// AssignBatches splits devices into len(fractions) batches, where the
// cumulative fraction f_k closes batch k at ceil(f_k * total) devices.
// Devices are ordered by the byte order of their UUIDs first, so the same
// candidate set always produces the same assignment. Batch numbers start
// at 1. Adjacent fractions that round to the same boundary yield empty
// batches, which the progression logic treats as instantly complete.
func AssignBatches(deviceIDs []uuid.UUID, fractions []float64) map[uuid.UUID]int {
	ids := make([]uuid.UUID, len(deviceIDs))
	copy(ids, deviceIDs)
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	total := len(ids)
	assignment := make(map[uuid.UUID]int, total)
	start := 0
	for k, fraction := range fractions {
		end := int(math.Ceil(fraction * float64(total)))
		if end > total || k == len(fractions)-1 {
			end = total
		}
		if end < start {
			end = start
		}
		for _, id := range ids[start:end] {
			assignment[id] = k + 1
		}
		start = end
	}
	return assignment
}
