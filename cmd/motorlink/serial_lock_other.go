//go:build !linux

package main

// portLock is a no-op outside Linux.
type portLock struct{}

func acquirePortLock(string) (*portLock, error) { return &portLock{}, nil }

func (*portLock) Release() error { return nil }
