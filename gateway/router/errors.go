// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package router

import (
	"fmt"

	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/limit"
)

// GuardError reports a failed guard evaluation. The HTTP layer maps it to
// the dedicated 446 "Guard Validation Failed" status.
type GuardError struct {
	Result *guard.Result
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %q failed: %s", e.Result.GuardID, e.Result.Reason)
}

// LimitError reports a denied admission decision. The HTTP layer maps it
// to 429.
type LimitError struct {
	Decision limit.Decision
}

func (e *LimitError) Error() string {
	return e.Decision.Reason()
}
