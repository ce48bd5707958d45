package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/yairfalse/tollgate/bundle"
	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/types"
)

// inputFile is the --input document
type inputFile struct {
	Decisions []orchestrator.Decision `json:"decisions"`
}

// planFile is the --plan document: the decisions that justify a fix and
// the patch sets that make it
type planFile struct {
	TxID      string                  `json:"tx_id,omitempty"`
	Decisions []orchestrator.Decision `json:"decisions"`
	PatchSets []types.PatchSet        `json:"patch_sets"`
}

// readDocument reads path, or stdin when path is "-", into v.
// Unknown fields are rejected so typos do not silently drop data.
func readDocument(path string, stdin io.Reader, v any) error {
	if path == "" {
		return errors.New("no input file given")
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- path is intentional user input
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// bundleOptions are the flags that locate and pin the policy bundle
type bundleOptions struct {
	location string
	sha256   string
}

// load fetches the bundle bytes and its pin. Flags win over config.
// Verification happens later, inside Evaluate.
func (b bundleOptions) load(ctx context.Context, e *env) (payload []byte, pin string, err error) {
	location := b.location
	if location == "" {
		location = e.cfg.Bundle.Location
	}
	if location == "" {
		return nil, "", usageError(errors.New("no bundle given; pass --bundle or set bundle.location"))
	}
	explicit := b.sha256
	if explicit == "" {
		explicit = e.cfg.Bundle.SHA256
	}

	loader := &bundle.Loader{Region: e.cfg.Bundle.Region}
	payload, err = loader.Load(ctx, location)
	if err != nil {
		return nil, "", exitWith(ExitInternal, err)
	}
	pin, err = loader.LoadPin(ctx, location, explicit)
	if err != nil {
		return nil, "", usageError(fmt.Errorf("%w; pass --bundle-sha256", err))
	}
	return payload, pin, nil
}
