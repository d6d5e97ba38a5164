package swap

import "errors"

// ErrUnknownSwap is returned by Advance when the store has no swap under the
// given id.
var ErrUnknownSwap = errors.New("unknown swap")

// ErrValidation is returned for malformed Start requests: leg1 == leg2,
// no such provider, or an invalid asset/network pairing.
var ErrValidation = errors.New("validation error")

// ErrProviderCreate wraps a leg1 order-create failure surfaced from Start.
var ErrProviderCreate = errors.New("provider create failed")
