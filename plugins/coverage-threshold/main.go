// Package main implements the coverage-threshold check plugin.
// It compiles to WASM and verifies that a project's reported test
// coverage meets a configured minimum.
//
// Build with: tinygo build -o check.wasm -target=wasi .
package main

import (
	"encoding/json"
	"fmt"
	"unsafe"
)

// CheckRequest is the input handed to the plugin by the host.
type CheckRequest struct {
	UnitID      string          `json:"unit_id"`
	ProjectID   string          `json:"project_id"`
	ProjectPath string          `json:"project_path"`
	BaseURL     string          `json:"base_url,omitempty"`
	Input       json.RawMessage `json:"input"`
}

// CheckResponse is the verdict returned to the host.
type CheckResponse struct {
	Passed  bool              `json:"passed"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Input is the plugin-specific payload inside the check request.
type Input struct {
	// Coverage is the measured statement coverage in percent.
	Coverage float64 `json:"coverage"`

	// MinCoverage is the threshold the project must meet.
	MinCoverage float64 `json:"min_coverage"`
}

// evaluate applies the threshold to one check request.
func evaluate(req *CheckRequest) *CheckResponse {
	var input Input
	if err := json.Unmarshal(req.Input, &input); err != nil {
		return &CheckResponse{Error: fmt.Sprintf("invalid input: %v", err)}
	}

	if input.MinCoverage <= 0 || input.MinCoverage > 100 {
		return &CheckResponse{Error: fmt.Sprintf("min_coverage must be in (0, 100], got %.1f", input.MinCoverage)}
	}

	details := map[string]string{
		"coverage":     fmt.Sprintf("%.1f", input.Coverage),
		"min_coverage": fmt.Sprintf("%.1f", input.MinCoverage),
	}

	if input.Coverage < input.MinCoverage {
		return &CheckResponse{
			Passed:  false,
			Message: fmt.Sprintf("coverage %.1f%% is below the %.1f%% threshold", input.Coverage, input.MinCoverage),
			Details: details,
		}
	}

	return &CheckResponse{
		Passed:  true,
		Message: fmt.Sprintf("coverage %.1f%% meets the %.1f%% threshold", input.Coverage, input.MinCoverage),
		Details: details,
	}
}

// allocations keeps malloc'd buffers reachable until free is called.
var allocations = map[uint32][]byte{}

//export malloc
func malloc(size uint32) uint32 {
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

//export free
func free(ptr uint32) {
	delete(allocations, ptr)
}

// check is the host entrypoint. The returned u64 packs the output
// pointer in the high 32 bits and its length in the low 32 bits.
//
//export check
func check(inputPtr, inputLen uint32) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(inputPtr))), inputLen)

	var req CheckRequest
	resp := &CheckResponse{}
	if err := json.Unmarshal(input, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid check request: %v", err)
	} else {
		resp = evaluate(&req)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		out = []byte(`{"error":"failed to marshal response"}`)
	}

	ptr := malloc(uint32(len(out)))
	copy(allocations[ptr], out)
	return uint64(ptr)<<32 | uint64(len(out))
}

func main() {}
