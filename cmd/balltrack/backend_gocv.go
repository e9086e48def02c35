//go:build gocv

package main

import (
	"strings"

	"github.com/LdDl/balltrack/verify"
	"github.com/pkg/errors"
)

func newBackend(name string) (verify.Backend, error) {
	switch strings.ToLower(name) {
	case "", "native":
		return verify.NewNativeBackend(), nil
	case "opencv":
		return verify.NewOpenCVBackend(), nil
	default:
		return nil, errors.Errorf("unknown verifier backend %q", name)
	}
}
