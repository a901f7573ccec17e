package btree

import "minidb/types"

// findLeaf descends from the root to the leaf that would hold key. At
// each internal node it takes child i for the smallest i with
// key < keys[i], falling through to the last child when no separator
// exceeds the key.
func (t *Tree) findLeaf(key int64) *node {
	n := t.getNode(t.root)
	for !n.isLeaf() {
		i := 0
		for i < len(n.keys) && key >= n.keys[i] {
			i++
		}
		n = t.getNode(n.children[i])
	}
	return n
}

// Search returns the RecordId stored under key, or false if the key is
// absent.
func (t *Tree) Search(key int64) (types.RecordId, bool) {
	if t.root == InvalidNodeId {
		return types.RecordId{}, false
	}
	leaf := t.findLeaf(key)
	if i := binarySearch(leaf.keys, key); i != -1 {
		return leaf.values[i], true
	}
	return types.RecordId{}, false
}

// binarySearch returns the index of target in keys, or -1.
func binarySearch(keys []int64, target int64) int {
	low, high := 0, len(keys)-1
	for low <= high {
		mid := low + (high-low)/2
		switch {
		case keys[mid] == target:
			return mid
		case keys[mid] < target:
			low = mid + 1
		default:
			high = mid - 1
		}
	}
	return -1
}

// lowerBound returns the index of the first key >= target.
func lowerBound(keys []int64, target int64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if keys[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// insertAt inserts elem at index i in slice.
func insertAt[T any](slice []T, i int, elem T) []T {
	slice = append(slice, elem)
	copy(slice[i+1:], slice[i:])
	slice[i] = elem
	return slice
}

// removeAt removes the element at index i from slice.
func removeAt[T any](slice []T, i int) []T {
	return append(slice[:i], slice[i+1:]...)
}
