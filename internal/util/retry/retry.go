// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides a bounded fixed-delay retry primitive. It backs both
// the display-endpoint poll and the domain undefine loop so the two policies
// stay independently testable with an injected clock.
package retry

import (
	"context"
	"errors"
	"time"
)

var ErrExhausted = errors.New("retries exhausted")

// Policy is a bounded fixed-delay retry policy.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Delay is the fixed delay between attempts.
	Delay time.Duration

	// Sleep is the sleep function, overridable in tests. Defaults to
	// time.Sleep.
	Sleep func(time.Duration)
}

// Func is one retry attempt. Returning done=true stops the loop and yields
// err as the final result; returning done=false retries after the policy
// delay. The error of a not-done attempt is retained and joined into
// ErrExhausted if the policy gives up.
type Func func() (done bool, err error)

// Do runs fn under the policy. It returns ErrExhausted (joined with the last
// attempt error, if any) when all attempts report not-done, or the final
// error of a done attempt. The context is only checked between attempts.
func Do(ctx context.Context, policy Policy, fn Func) error {
	sleep := policy.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error

	for attempt := 0; ; attempt++ {
		done, err := fn()
		if done {
			return err
		}
		lastErr = err

		if attempt >= policy.MaxRetries {
			if lastErr != nil {
				return errors.Join(lastErr, ErrExhausted)
			}
			return ErrExhausted
		}

		if err := ctx.Err(); err != nil {
			return errors.Join(err, ErrExhausted)
		}

		sleep(policy.Delay)
	}
}
