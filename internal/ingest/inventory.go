package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// ec2Service is the Cost Explorer service name EC2 instances bill under.
// Snapshots carry it so waste anomalies join the same (service, account)
// pair as the spike detector.
const ec2Service = "AmazonEC2"

// cpuLookback is the trailing window averaged for CPU utilization.
const cpuLookback = 24 * time.Hour

// hoursPerMonth is the flat-rate month AWS pricing examples use.
const hoursPerMonth = 730

// hourlyRates maps instance types to on-demand USD per hour (us-east-1
// Linux). Types missing here fall back to defaultHourlyRate; exact pricing
// needs the Price List API, which is deliberately out of scope.
var hourlyRates = map[string]float64{
	"t2.micro":   0.0116,
	"t2.small":   0.023,
	"t2.medium":  0.0464,
	"t3.micro":   0.0104,
	"t3.small":   0.0208,
	"t3.medium":  0.0416,
	"c5.large":   0.085,
	"c5.xlarge":  0.17,
	"m5.large":   0.096,
	"m5.xlarge":  0.192,
	"m5.2xlarge": 0.384,
	"r5.large":   0.126,
	"r5.xlarge":  0.252,
	"r5.2xlarge": 0.504,
}

const defaultHourlyRate = 0.05

// MonthlyCost estimates an instance type's monthly on-demand cost.
func MonthlyCost(instanceType string) float64 {
	rate, ok := hourlyRates[instanceType]
	if !ok {
		rate = defaultHourlyRate
	}
	return rate * hoursPerMonth
}

// EC2API is the slice of the EC2 client the source uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// CloudWatchAPI is the slice of the CloudWatch client the source uses.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// EC2InventorySource snapshots running and stopped EC2 instances with their
// trailing-day average CPU.
type EC2InventorySource struct {
	ec2     EC2API
	cw      CloudWatchAPI
	account string
	region  string
	logger  *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEC2InventorySource wraps the EC2 and CloudWatch clients.
func NewEC2InventorySource(ec2Client EC2API, cwClient CloudWatchAPI, account, region string, logger *zap.Logger) (*EC2InventorySource, error) {
	if ec2Client == nil {
		return nil, fmt.Errorf("ec2 client is required")
	}
	if cwClient == nil {
		return nil, fmt.Errorf("cloudwatch client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EC2InventorySource{
		ec2:     ec2Client,
		cw:      cwClient,
		account: account,
		region:  region,
		logger:  logger.Named("ingest.ec2"),
		now:     time.Now,
	}, nil
}

// FetchSnapshots describes every running or stopped instance and attaches
// its trailing-day CPU average. A CloudWatch failure for one instance
// degrades that snapshot to zero CPU instead of failing the sweep; zero CPU
// on a running instance is exactly what the waste rules should see for a
// box that reports nothing.
func (s *EC2InventorySource) FetchSnapshots(ctx context.Context) ([]costmodel.ResourceSnapshot, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"running", "stopped"},
			},
		},
	}

	var snaps []costmodel.ResourceSnapshot
	for {
		out, err := s.ec2.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}

		for _, reservation := range out.Reservations {
			for _, instance := range reservation.Instances {
				snap := s.snapshot(ctx, instance)
				snaps = append(snaps, snap)
			}
		}

		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	s.logger.Debug("fetched instance snapshots", zap.Int("instances", len(snaps)))
	return snaps, nil
}

func (s *EC2InventorySource) snapshot(ctx context.Context, instance ec2types.Instance) costmodel.ResourceSnapshot {
	id := aws.ToString(instance.InstanceId)
	instanceType := string(instance.InstanceType)

	state := costmodel.StateOther
	if instance.State != nil {
		state = costmodel.ParseResourceState(string(instance.State.Name))
	}

	var cpu float64
	if state == costmodel.StateRunning {
		avg, err := s.trailingCPU(ctx, id)
		if err != nil {
			s.logger.Warn("cloudwatch cpu lookup failed, recording zero",
				zap.String("instance_id", id),
				zap.Error(err))
		} else {
			cpu = avg
		}
	}

	region := s.region
	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		region = zoneToRegion(aws.ToString(instance.Placement.AvailabilityZone))
	}

	return costmodel.ResourceSnapshot{
		ResourceID:     id,
		ResourceType:   instanceType,
		Region:         region,
		Account:        s.account,
		Service:        ec2Service,
		State:          state,
		CPUUtilization: cpu,
		MonthlyCost:    MonthlyCost(instanceType),
	}
}

// trailingCPU averages the instance's CPUUtilization datapoints over the
// trailing day.
func (s *EC2InventorySource) trailingCPU(ctx context.Context, instanceID string) (float64, error) {
	end := s.now().UTC()
	out, err := s.cw.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/EC2"),
		MetricName: aws.String("CPUUtilization"),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
		StartTime:  aws.Time(end.Add(-cpuLookback)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(3600),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("get metric statistics for %s: %w", instanceID, err)
	}

	if len(out.Datapoints) == 0 {
		return 0, nil
	}
	var sum float64
	for _, dp := range out.Datapoints {
		sum += aws.ToFloat64(dp.Average)
	}
	return sum / float64(len(out.Datapoints)), nil
}

// zoneToRegion strips the zone letter: us-east-1a → us-east-1.
func zoneToRegion(zone string) string {
	if zone == "" {
		return zone
	}
	last := zone[len(zone)-1]
	if last >= 'a' && last <= 'z' && strings.ContainsAny(zone, "0123456789") {
		return zone[:len(zone)-1]
	}
	return zone
}
