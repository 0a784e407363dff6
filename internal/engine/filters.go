package engine

// collectFilters folds every dataview's non-empty filter into one shared
// "dataviews" bucket. Later dataviews overwrite keys contributed by earlier
// ones with the same key; callers depend on this exact merge shape.
func collectFilters(collection DataviewCollection) map[string]any {
	if collection == nil {
		return nil
	}
	merged := make(map[string]any)
	collection.Each(func(dv Dataview) {
		if dv == nil {
			return
		}
		filter := dv.Filter()
		if filter == nil || filter.IsEmpty() {
			return
		}
		for key, value := range filter.ToJSON() {
			merged[key] = value
		}
	})
	if len(merged) == 0 {
		return nil
	}
	return map[string]any{"dataviews": merged}
}
