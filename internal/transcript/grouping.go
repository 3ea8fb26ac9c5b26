package transcript

// GroupItem is the minimal shape the grouping pass needs: a line number in
// a single session's monotone sequence and its display level. Callers
// supply both already-persisted lookback items and the newly parsed batch
// in one ascending-by-line slice — the second-pass group computation must
// be able to bridge a run across a batch boundary (§4.C, §9).
type GroupItem struct {
	Line    int
	Display DisplayLevel
}

// GroupUpdate is the (head, tail) assignment computed for one line. Head
// and Tail are 0 when the item has no group (DEBUG_ONLY items always get
// the zero value, matching the "null head/tail" rule).
type GroupUpdate struct {
	Line int
	Head int
	Tail int
}

// ComputeGroups implements §4.B's grouping pass: a maximal contiguous run
// of ALWAYS/COLLAPSIBLE items (by line-number adjacency in the supplied
// sequence) shares one (head, tail) pair; a DEBUG_ONLY item ends the
// current run and itself receives no group. items must be supplied in
// ascending line-number order; gaps (lines present only elsewhere in the
// session, not in this window) are treated as a break just like a
// DEBUG_ONLY item, since this function only sees what it's given — callers
// must supply a contiguous window for results to be meaningful.
func ComputeGroups(items []GroupItem) []GroupUpdate {
	updates := make([]GroupUpdate, len(items))

	runStart := -1
	flushRun := func(end int) {
		if runStart < 0 {
			return
		}
		head := items[runStart].Line
		tail := items[end].Line
		for i := runStart; i <= end; i++ {
			updates[i] = GroupUpdate{Line: items[i].Line, Head: head, Tail: tail}
		}
		runStart = -1
	}

	prevLine := -1
	for i, item := range items {
		updates[i] = GroupUpdate{Line: item.Line}

		contiguous := runStart >= 0 && item.Line == prevLine+1
		if item.Display == DisplayDebugOnly {
			flushRun(i - 1)
		} else {
			if runStart >= 0 && !contiguous {
				flushRun(i - 1)
			}
			if runStart < 0 {
				runStart = i
			}
		}
		prevLine = item.Line
	}
	flushRun(len(items) - 1)

	return updates
}
