package ft12

import "errors"

// ErrNoAck is returned when the BCU does not acknowledge a frame within the
// exchange timeout, after all repetitions.
var ErrNoAck = errors.New("BCU did not acknowledge")
