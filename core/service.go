package core

import "context"

// IService is the lifecycle every vendor session implements. A service is
// scoped to one conversation: Init opens it, Cleanup releases it.
type IService interface {
	Init(ctx context.Context) error
	Cleanup() error
}
