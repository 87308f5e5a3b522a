// Package device guards against both roles being wired to the same physical
// microphone.
//
// Two device IDs can differ while still naming the same hardware (for
// example the "default" alias and the concrete device). Browsers and audio
// stacks expose a group ID shared by all endpoints of one physical device;
// [Check] rejects a configuration whose doctor and patient inputs share one.
package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnresolved is returned when a configured device ID is not among the
// enumerated devices. The check fails closed: an unknown device might be the
// same hardware as the other role.
var ErrUnresolved = errors.New("device: id not found")

// Descriptor describes one audio input endpoint.
type Descriptor struct {
	ID      string `yaml:"id"`
	Label   string `yaml:"label"`
	GroupID string `yaml:"group_id"`
}

// Enumerator lists the audio inputs currently available.
type Enumerator interface {
	Devices(ctx context.Context) ([]Descriptor, error)
}

// ConflictError reports that both roles resolve to the same physical device.
type ConflictError struct {
	Doctor  Descriptor
	Patient Descriptor
}

// Error implements error.
func (e *ConflictError) Error() string {
	if e.Doctor.ID == e.Patient.ID {
		return fmt.Sprintf("device: doctor and patient both use %q (%s); choose two different microphones",
			e.Doctor.Label, e.Doctor.ID)
	}
	return fmt.Sprintf("device: doctor input %q and patient input %q belong to the same physical device (group %s); choose two different microphones",
		e.Doctor.Label, e.Patient.Label, e.Doctor.GroupID)
}

// Check resolves both IDs through enum and fails when they name the same
// physical device. An empty or unknown ID fails with [ErrUnresolved].
func Check(ctx context.Context, enum Enumerator, doctorID, patientID string) error {
	devices, err := enum.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device: enumerate: %w", err)
	}
	doc, err := resolve(devices, "doctor", doctorID)
	if err != nil {
		return err
	}
	pat, err := resolve(devices, "patient", patientID)
	if err != nil {
		return err
	}
	if doc.ID == pat.ID || (doc.GroupID != "" && doc.GroupID == pat.GroupID) {
		return &ConflictError{Doctor: doc, Patient: pat}
	}
	return nil
}

func resolve(devices []Descriptor, role, id string) (Descriptor, error) {
	if id == "" {
		return Descriptor{}, fmt.Errorf("%w: no %s device configured", ErrUnresolved, role)
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s device %q", ErrUnresolved, role, id)
}

// StaticEnumerator serves a fixed device list, typically from configuration.
type StaticEnumerator []Descriptor

// Devices implements [Enumerator].
func (s StaticEnumerator) Devices(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Descriptor(s), nil
}

var _ Enumerator = StaticEnumerator(nil)
