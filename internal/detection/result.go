package detection

// Result is the outcome of one algorithm. Err is set when the algorithm
// could not run; such a result is never a threat.
type Result struct {
	Algorithm string
	Threat    bool
	Reason    string
	Details   map[string]any
	Err       error
}

func failed(algorithm string, err error) Result {
	return Result{Algorithm: algorithm, Reason: "detector error", Err: err}
}

// Verdict is the engine's decision for one request.
type Verdict struct {
	Address   string
	Blocked   bool
	Reason    string
	Algorithm string

	// AlreadyFlagged is set when the reputation store short-circuited
	// detection.
	AlreadyFlagged bool

	// Results carries every algorithm that ran, in execution order.
	Results []Result
}

// Errors returns the results of algorithms that failed.
func (v Verdict) Errors() []Result {
	var out []Result
	for _, r := range v.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
