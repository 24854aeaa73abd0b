package types

import (
	"errors"
	"fmt"
)

// DeployError is a terminal provisioning failure. It is never retried by the
// caller and always names the device, node or partition involved.
type DeployError struct {
	Msg string
	Err error
}

func NewDeployError(format string, args ...interface{}) *DeployError {
	return &DeployError{Msg: fmt.Sprintf(format, args...)}
}

// WrapDeployError keeps err as the cause of the failure so errors.As/Is still work on it
func WrapDeployError(err error, format string, args ...interface{}) *DeployError {
	return &DeployError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *DeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err.Error())
	}
	return e.Msg
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// IsDeployError reports whether any error in the chain is a DeployError
func IsDeployError(err error) bool {
	var d *DeployError
	return errors.As(err, &d)
}
