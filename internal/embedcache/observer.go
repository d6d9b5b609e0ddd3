package embedcache

// Observer is told the outcome of every cache lookup.
type Observer func(layer string, hit bool)

func firstObserver(obs []Observer) Observer {
	for _, o := range obs {
		if o != nil {
			return o
		}
	}
	return func(string, bool) {}
}
