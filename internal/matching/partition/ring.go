// Package partition maps workflow IDs onto task queue partitions with a
// consistent hash ring, so tasks for one workflow always land on the same
// partition and keep their FIFO order.
package partition

import (
	"hash/fnv"
	"sort"
	"strconv"
)

type Ring struct {
	points   []uint32
	pointMap map[uint32]int
	replicas int
}

func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = 100
	}
	return &Ring{
		points:   make([]uint32, 0),
		pointMap: make(map[uint32]int),
		replicas: replicas,
	}
}

func (r *Ring) Add(partitionID int) {
	for i := 0; i < r.replicas; i++ {
		h := hashKey(strconv.Itoa(partitionID) + "-" + strconv.Itoa(i))

		// Linear probe on collision so every virtual point stays addressable.
		for {
			if _, exists := r.pointMap[h]; !exists {
				break
			}
			h++
		}

		r.points = append(r.points, h)
		r.pointMap[h] = partitionID
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i] < r.points[j]
	})
}

func (r *Ring) Remove(partitionID int) {
	kept := make([]uint32, 0, len(r.points))
	for _, p := range r.points {
		if r.pointMap[p] != partitionID {
			kept = append(kept, p)
		} else {
			delete(r.pointMap, p)
		}
	}
	r.points = kept
}

// Get returns the partition owning key. Keys hash clockwise to the next
// virtual point on the ring.
func (r *Ring) Get(key string) int {
	if len(r.points) == 0 {
		return 0
	}

	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.pointMap[r.points[idx]]
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
