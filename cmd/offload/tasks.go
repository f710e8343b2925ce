package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/Swind/go-task-offload/core"
)

// hashInput is the payload of sha256.rounds.
type hashInput struct {
	Data   string `cbor:"1,keyasint" json:"data"`
	Rounds int    `cbor:"2,keyasint" json:"rounds"`
}

// failRequest is the payload of demo.fail.
type failRequest struct {
	Value  int    `cbor:"1,keyasint" json:"value"`
	Reason string `cbor:"2,keyasint,omitempty" json:"reason,omitempty"`
}

// taskSet holds the demo variants registered on one registry.
type taskSet struct {
	primes *core.Variant[int, int]
	hash   *core.Variant[hashInput, string]
	fail   *core.Variant[failRequest, int]
}

var (
	taskSetsMu sync.Mutex
	taskSets   = map[*core.Registry]*taskSet{}
)

// tasksFor registers the demo variants on reg once and returns them.
func tasksFor(reg *core.Registry) (*taskSet, error) {
	taskSetsMu.Lock()
	defer taskSetsMu.Unlock()

	if ts, ok := taskSets[reg]; ok {
		return ts, nil
	}

	primes, err := core.DefineVariant(reg, "primes.count", countPrimes)
	if err != nil {
		return nil, err
	}
	hash, err := core.DefineVariant(reg, "sha256.rounds", hashRounds)
	if err != nil {
		return nil, err
	}
	fail, err := core.DefineVariant(reg, "demo.fail", failTask)
	if err != nil {
		return nil, err
	}

	ts := &taskSet{primes: primes, hash: hash, fail: fail}
	taskSets[reg] = ts
	return ts, nil
}

// countPrimes counts primes below limit with a sieve.
func countPrimes(ctx context.Context, limit int) (int, error) {
	if limit < 0 {
		return 0, core.NewStatusError(core.StatusBadRequest, fmt.Sprintf("negative limit %d", limit))
	}
	if limit < 3 {
		return 0, nil
	}

	composite := make([]bool, limit)
	count := 0
	for i := 2; i < limit; i++ {
		if composite[i] {
			continue
		}
		count++
		for j := i * i; j < limit; j += i {
			composite[j] = true
		}
	}
	return count, nil
}

// hashRounds applies SHA-256 Rounds times to Data.
func hashRounds(ctx context.Context, in hashInput) (string, error) {
	if in.Rounds < 1 {
		return "", core.NewStatusError(core.StatusBadRequest, "rounds must be positive")
	}
	sum := sha256.Sum256([]byte(in.Data))
	for i := 1; i < in.Rounds; i++ {
		sum = sha256.Sum256(sum[:])
	}
	return hex.EncodeToString(sum[:]), nil
}

// failTask echoes Value, or fails with Reason when one is given.
func failTask(ctx context.Context, req failRequest) (int, error) {
	if req.Reason != "" {
		return 0, errors.New(req.Reason)
	}
	return req.Value, nil
}
