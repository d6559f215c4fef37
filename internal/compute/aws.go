package compute

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/boxdhq/boxd-control-plane/internal/metrics"
	"github.com/boxdhq/boxd-control-plane/internal/model"
)

const (
	managedByTag    = "boxd-control-plane"
	tierTagKey      = "BoxdTier"
	managedByTagKey = "ManagedBy"
)

// AWSBackend drives an EC2 fleet partitioned into one auto scaling group per
// tier. Listing and health go through EC2; scale requests go through the
// group's desired capacity.
type AWSBackend struct {
	ec2Client *ec2.Client
	asgClient *autoscaling.Client
	asgByTier map[model.Tier]string
}

type AWSBackendOptions struct {
	Region    string
	ASGByTier map[model.Tier]string
}

func NewAWSBackend(ctx context.Context, opts AWSBackendOptions) (*AWSBackend, error) {
	if len(opts.ASGByTier) == 0 {
		return nil, fmt.Errorf("ASGByTier is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &AWSBackend{
		ec2Client: ec2.NewFromConfig(cfg),
		asgClient: autoscaling.NewFromConfig(cfg),
		asgByTier: opts.ASGByTier,
	}, nil
}

func (b *AWSBackend) ListInstances(ctx context.Context, tier model.Tier) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + managedByTagKey), Values: []string{managedByTag}},
			{Name: aws.String("tag:" + tierTagKey), Values: []string{string(tier)}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopped"}},
		},
	}

	var out []Instance
	start := time.Now()
	err := retryAWS(ctx, "describe_instances", func(callCtx context.Context) error {
		out = out[:0]
		paginator := ec2.NewDescribeInstancesPaginator(b.ec2Client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(callCtx)
			if err != nil {
				return err
			}
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					out = append(out, Instance{
						ID:      aws.ToString(inst.InstanceId),
						Tier:    tier,
						State:   mapInstanceState(inst.State),
						Address: aws.ToString(inst.PrivateIpAddress),
					})
				}
			}
		}
		return nil
	})
	observeAWSOp("describe_instances", start, err)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	return out, nil
}

func (b *AWSBackend) SetDesiredCapacity(ctx context.Context, tier model.Tier, n int) error {
	asgName, ok := b.asgByTier[tier]
	if !ok || strings.TrimSpace(asgName) == "" {
		return fmt.Errorf("no auto scaling group configured for tier %s", tier)
	}
	start := time.Now()
	err := retryAWS(ctx, "set_desired_capacity", func(callCtx context.Context) error {
		_, callErr := b.asgClient.SetDesiredCapacity(callCtx, &autoscaling.SetDesiredCapacityInput{
			AutoScalingGroupName: aws.String(asgName),
			DesiredCapacity:      aws.Int32(int32(n)),
			HonorCooldown:        aws.Bool(false),
		})
		return callErr
	})
	observeAWSOp("set_desired_capacity", start, err)
	if err != nil {
		return fmt.Errorf("set desired capacity: %w", err)
	}
	log.Printf("event=scale_request tier=%s desired=%d asg=%s", tier, n, asgName)
	return nil
}

func (b *AWSBackend) DescribeHealth(ctx context.Context, instanceID string) (Health, error) {
	var statusOut *ec2.DescribeInstanceStatusOutput
	start := time.Now()
	err := retryAWS(ctx, "describe_instance_status", func(callCtx context.Context) error {
		var callErr error
		statusOut, callErr = b.ec2Client.DescribeInstanceStatus(callCtx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         []string{instanceID},
			IncludeAllInstances: aws.Bool(true),
		})
		return callErr
	})
	observeAWSOp("describe_instance_status", start, err)
	if err != nil {
		if shouldIgnoreTerminateError(err) {
			return Unhealthy, nil
		}
		return Unknown, fmt.Errorf("describe instance status: %w", err)
	}
	if len(statusOut.InstanceStatuses) == 0 {
		return Unhealthy, nil
	}
	st := statusOut.InstanceStatuses[0]
	if st.InstanceState == nil || st.InstanceState.Name != ec2types.InstanceStateNameRunning {
		return Unhealthy, nil
	}
	if st.InstanceStatus == nil || st.InstanceStatus.Status != ec2types.SummaryStatusOk {
		return Unhealthy, nil
	}
	return Healthy, nil
}

func (b *AWSBackend) TerminateInstance(ctx context.Context, instanceID string) error {
	if strings.TrimSpace(instanceID) == "" {
		return nil
	}
	start := time.Now()
	err := retryAWS(ctx, "terminate_instances", func(callCtx context.Context) error {
		_, callErr := b.ec2Client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
		return callErr
	})
	observeAWSOp("terminate_instances", start, err)
	if err != nil {
		if shouldIgnoreTerminateError(err) {
			return nil
		}
		return fmt.Errorf("terminate instance: %w", err)
	}
	return nil
}

func observeAWSOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("boxd_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("boxd_aws_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

func mapInstanceState(st *ec2types.InstanceState) InstanceState {
	if st == nil {
		return StateGone
	}
	switch st.Name {
	case ec2types.InstanceStateNameRunning:
		return StateRunning
	case ec2types.InstanceStateNamePending:
		return StatePending
	case ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameStopping:
		return StateStopped
	default:
		return StateGone
	}
}
