// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// deployFailureError is returned when a deploy lease never becomes
// usable within its attempt budget. It is distinct from a timeout so
// callers can tell "never became ready" from other runtime failures.
type deployFailureError struct {
	err error
}

// Error is part of the error interface.
func (e *deployFailureError) Error() string {
	return "deploying from archive failed: " + e.err.Error()
}

// IsDeployFailure returns whether the cause of this error was a deploy
// lease that never became usable.
func IsDeployFailure(err error) bool {
	_, ok := errors.Cause(err).(*deployFailureError)
	return ok
}

func isManagedObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if f, ok := err.(types.HasFault); ok {
		switch f.Fault().(type) {
		case *types.ManagedObjectNotFound:
			return true
		}
	}
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.ManagedObjectNotFound:
			return true
		}
	}
	return false
}

func isGuestOperationsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if f, ok := err.(types.HasFault); ok {
		switch f.Fault().(type) {
		case *types.GuestOperationsUnavailable:
			return true
		}
	}
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.GuestOperationsUnavailable:
			return true
		}
	}
	return false
}
