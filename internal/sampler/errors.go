package sampler

import "errors"

// ErrConfiguration marks invalid or mutually inconsistent caller parameters,
// such as repainting without a source latent. Surfaced immediately, never
// retried.
var ErrConfiguration = errors.New("invalid configuration")

// ErrShapeMismatch marks conditioning or latent tensors whose batch size,
// channel count or frame length disagree. The sampler performs no silent
// broadcasting.
var ErrShapeMismatch = errors.New("shape mismatch")
