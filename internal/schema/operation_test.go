package schema

import (
	"strings"
	"testing"
)

// TestOperation_Advance verifies that state transitions are monotonic and
// that terminal states are final.
func TestOperation_Advance(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		changed bool
		want    State
	}{
		{"pending to executing", StatePending, StateExecuting, true, StateExecuting},
		{"pending to success", StatePending, StateSuccess, true, StateSuccess},
		{"executing to failed", StateExecuting, StateFailed, true, StateFailed},
		{"executing to pending is ignored", StateExecuting, StatePending, false, StateExecuting},
		{"same state is a no-op", StatePending, StatePending, false, StatePending},
		{"success is final", StateSuccess, StateFailed, false, StateSuccess},
		{"cancelled is final", StateCancelled, StateSuccess, false, StateCancelled},
		{"unknown state is ignored", StatePending, State("BOGUS"), false, StatePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{ID: "op-1", State: tt.from}
			if got := op.Advance(tt.to, nil); got != tt.changed {
				t.Errorf("Advance() = %v, want %v", got, tt.changed)
			}
			if op.State != tt.want {
				t.Errorf("State = %s, want %s", op.State, tt.want)
			}
		})
	}
}

// TestOperation_AdvanceAttachesResultOnlyWhenTerminal verifies results are
// not attached to running operations.
func TestOperation_AdvanceAttachesResultOnlyWhenTerminal(t *testing.T) {
	op := &Operation{ID: "op-1", State: StatePending}
	res := &Result{ExitCode: 0, Stdout: "hi"}

	op.Advance(StateExecuting, res)
	if op.Result != nil {
		t.Fatalf("result attached in state %s", op.State)
	}

	op.Advance(StateSuccess, res)
	if op.Result == nil || op.Result.Stdout != "hi" {
		t.Fatalf("Result = %+v, want stdout hi", op.Result)
	}

	// The attached result is a copy.
	res.Stdout = "changed"
	if op.Result.Stdout != "hi" {
		t.Errorf("Result aliased caller value: %q", op.Result.Stdout)
	}
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"pending":   StatePending,
		"RUNNING":   StateExecuting,
		"completed": StateSuccess,
		"Error":     StateFailed,
		"canceled":  StateCancelled,
	}
	for in, want := range tests {
		got, err := ParseState(in)
		if err != nil {
			t.Errorf("ParseState(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseState(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseState("sleeping"); err == nil {
		t.Error("ParseState(sleeping) succeeded, want error")
	}
}

func TestOperation_MarshalRoundTripValidates(t *testing.T) {
	op := Operation{ID: "op-1", Kind: KindCommand, State: StateExecuting, Result: &Result{ExitCode: 1}}
	data, err := op.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() failed: %v", err)
	}

	var decoded Operation
	err = decoded.UnmarshalBinary(data)
	if err == nil || !strings.Contains(err.Error(), "non-terminal") {
		t.Errorf("UnmarshalBinary() error = %v, want non-terminal result error", err)
	}
}

func TestRequest_Validate(t *testing.T) {
	hash := HashBytes([]byte("x"))

	tests := []struct {
		name   string
		req    Request
		errMsg string
	}{
		{
			name: "valid command",
			req: NewCommandRequest(CommandSpec{
				Command: "make test",
				Image:   "img-1",
				Files:   map[string]FileMapping{"/etc/app.conf": {Hash: hash}},
			}),
		},
		{
			name: "valid import",
			req:  NewImportRequest(ImportSpec{RegistryURL: "docker://docker.io/library/alpine:3"}),
		},
		{
			name:   "missing image",
			req:    NewCommandRequest(CommandSpec{Command: "ls"}),
			errMsg: "image is required",
		},
		{
			name: "bad file hash",
			req: NewCommandRequest(CommandSpec{
				Command: "ls",
				Image:   "img-1",
				Files:   map[string]FileMapping{"/a": {Hash: "nope"}},
			}),
			errMsg: "invalid sha256",
		},
		{
			name:   "half credentials",
			req:    NewImportRequest(ImportSpec{RegistryURL: "docker://x", Username: "u"}),
			errMsg: "together",
		},
		{
			name:   "mismatched kind",
			req:    Request{Kind: KindImport, Command: &CommandSpec{Command: "ls", Image: "i"}},
			errMsg: "only an import spec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestRequest_RedactedHidesPassword(t *testing.T) {
	req := NewImportRequest(ImportSpec{RegistryURL: "docker://x", Username: "u", Password: "secret"})
	red := req.Redacted()
	if red.Import.Password == "secret" {
		t.Error("Redacted() kept the password")
	}
	if req.Import.Password != "secret" {
		t.Error("Redacted() modified the original request")
	}
}
