package model

// StabilizeTask asks the stabilizer to re-check where the pieces of Key
// belong under the current cluster map.
type StabilizeTask struct {
	Key string
}

// RebuildTask asks the rebuild queue to reconstruct and store Loc locally.
type RebuildTask struct {
	Loc PieceLocator
}
