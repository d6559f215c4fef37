package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
)

func TestShouldIgnoreTerminateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "instance not found",
			err:  &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "missing"},
			want: true,
		},
		{
			name: "incorrect instance state",
			err:  &smithy.GenericAPIError{Code: "IncorrectInstanceState", Message: "already terminated"},
			want: true,
		},
		{
			name: "other aws error",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldIgnoreTerminateError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransientAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "request limit exceeded",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: true,
		},
		{
			name: "insufficient capacity",
			err:  &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity", Message: "no capacity"},
			want: true,
		},
		{
			name: "invalid instance id",
			err:  &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "not found"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTransientAWSError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAWS_NonTransientDoesNotRetry(t *testing.T) {
	attempts := 0
	err := retryAWS(context.Background(), "describe_instances", func(context.Context) error {
		attempts++
		return &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryAWS_TransientRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := retryAWS(context.Background(), "set_desired_capacity", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestFakeBackend_ScaleOutMaterializesInstances(t *testing.T) {
	backend := NewFakeBackend()
	if err := backend.SetDesiredCapacity(context.Background(), "basic", 3); err != nil {
		t.Fatalf("set desired capacity: %v", err)
	}
	live, err := backend.ListInstances(context.Background(), "basic")
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(live))
	}
	for _, inst := range live {
		health, err := backend.DescribeHealth(context.Background(), inst.ID)
		if err != nil {
			t.Fatalf("describe health: %v", err)
		}
		if health != Healthy {
			t.Fatalf("expected healthy instance, got %v", health)
		}
	}
}
