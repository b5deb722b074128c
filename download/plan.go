package download

// PlanParts splits [0, totalSize) into numParts contiguous ranges. The last
// range absorbs the remainder of the integer division. Objects smaller than
// numParts get one single-byte range per byte, and an empty object gets no
// ranges at all.
func PlanParts(totalSize int64, numParts int) (PartPlan, error) {
	if numParts < 1 {
		return nil, configErrorf("num_parts must be at least 1, got %d", numParts)
	}
	if totalSize < 0 {
		return nil, configErrorf("object size must not be negative, got %d", totalSize)
	}
	if totalSize == 0 {
		return PartPlan{}, nil
	}

	parts := int64(numParts)
	if totalSize < parts {
		parts = totalSize
	}
	partSize := totalSize / parts

	plan := make(PartPlan, 0, parts)
	for i := int64(0); i < parts; i++ {
		r := PartRange{Start: i * partSize, End: (i + 1) * partSize}
		if i == parts-1 {
			r.End = totalSize
		}
		plan = append(plan, r)
	}

	return plan, nil
}
