package safety

// EngineHooks are optional callbacks for observability and live streaming.
// Nil fields are skipped.
type EngineHooks struct {
	// OnTransition fires after every lifecycle operation with its outcome label.
	OnTransition func(kind Kind, op, outcome string)
	// OnTrailAppend fires with the stored (clamped) point.
	OnTrailAppend func(kind Kind, id string, pt TrailPoint)
	// OnTerminal fires when an aggregate is deactivated or ended.
	OnTerminal func(kind Kind, id string)
	OnMatch    func(kind Kind, matched int, degraded bool)
	OnDispatch func(kind Kind, s *DispatchSummary)
	OnInflight func(delta int)
	OnPurge    func(n int)
}

// Merge returns hooks that call h first and then o.
func (h EngineHooks) Merge(o EngineHooks) EngineHooks {
	return EngineHooks{
		OnTransition: func(kind Kind, op, outcome string) {
			if h.OnTransition != nil {
				h.OnTransition(kind, op, outcome)
			}
			if o.OnTransition != nil {
				o.OnTransition(kind, op, outcome)
			}
		},
		OnTrailAppend: func(kind Kind, id string, pt TrailPoint) {
			if h.OnTrailAppend != nil {
				h.OnTrailAppend(kind, id, pt)
			}
			if o.OnTrailAppend != nil {
				o.OnTrailAppend(kind, id, pt)
			}
		},
		OnTerminal: func(kind Kind, id string) {
			if h.OnTerminal != nil {
				h.OnTerminal(kind, id)
			}
			if o.OnTerminal != nil {
				o.OnTerminal(kind, id)
			}
		},
		OnMatch: func(kind Kind, matched int, degraded bool) {
			if h.OnMatch != nil {
				h.OnMatch(kind, matched, degraded)
			}
			if o.OnMatch != nil {
				o.OnMatch(kind, matched, degraded)
			}
		},
		OnDispatch: func(kind Kind, s *DispatchSummary) {
			if h.OnDispatch != nil {
				h.OnDispatch(kind, s)
			}
			if o.OnDispatch != nil {
				o.OnDispatch(kind, s)
			}
		},
		OnInflight: func(delta int) {
			if h.OnInflight != nil {
				h.OnInflight(delta)
			}
			if o.OnInflight != nil {
				o.OnInflight(delta)
			}
		},
		OnPurge: func(n int) {
			if h.OnPurge != nil {
				h.OnPurge(n)
			}
			if o.OnPurge != nil {
				o.OnPurge(n)
			}
		},
	}
}

func (h EngineHooks) transition(kind Kind, op string, err error) {
	if h.OnTransition != nil {
		h.OnTransition(kind, op, outcomeOf(err))
	}
}

func (h EngineHooks) trail(kind Kind, id string, pt TrailPoint) {
	if h.OnTrailAppend != nil {
		h.OnTrailAppend(kind, id, pt)
	}
}

func (h EngineHooks) terminal(kind Kind, id string) {
	if h.OnTerminal != nil {
		h.OnTerminal(kind, id)
	}
}

func (h EngineHooks) match(kind Kind, matched int, degraded bool) {
	if h.OnMatch != nil {
		h.OnMatch(kind, matched, degraded)
	}
}

func (h EngineHooks) dispatch(kind Kind, s *DispatchSummary) {
	if h.OnDispatch != nil {
		h.OnDispatch(kind, s)
	}
}

func (h EngineHooks) purge(n int) {
	if h.OnPurge != nil {
		h.OnPurge(n)
	}
}
