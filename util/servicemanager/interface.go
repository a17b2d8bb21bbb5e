package servicemanager

import "context"

// Service is a long running component managed by the ServiceManager.
type Service interface {
	// Init prepares the service. It runs before any service is started.
	Init(ctx context.Context) error
	// Start runs the service until ctx is done. readyCh is closed once the
	// service is serving.
	Start(ctx context.Context, readyCh chan<- struct{}) error
	Stop(ctx context.Context) error
	Health(ctx context.Context, checkLiveness bool) (int, string, error)
}
