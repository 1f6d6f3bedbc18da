// Package ingest pulls billing and utilization data from AWS into the cost
// history store. Sources are thin adapters: they fetch, map to the internal
// types, and leave every detection decision to the scorer and detector.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

const ceDateLayout = "2006-01-02"

// CostExplorerAPI is the slice of the Cost Explorer client the source uses.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// CostExplorerSource fetches daily per-service cost from AWS Cost Explorer.
type CostExplorerSource struct {
	client  CostExplorerAPI
	account string
	region  string
	logger  *zap.Logger
}

// NewCostExplorerSource wraps a Cost Explorer client. The account and region
// tag every produced point; Cost Explorer reports per payer account.
func NewCostExplorerSource(client CostExplorerAPI, account, region string, logger *zap.Logger) (*CostExplorerSource, error) {
	if client == nil {
		return nil, fmt.Errorf("cost explorer client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostExplorerSource{
		client:  client,
		account: account,
		region:  region,
		logger:  logger.Named("ingest.costexplorer"),
	}, nil
}

// FetchCostPoints returns one point per (day, service) over [from, to).
// Cost Explorer treats the end date as exclusive, matching the half-open
// window the caller passes.
func (s *CostExplorerSource) FetchCostPoints(ctx context.Context, from, to time.Time) ([]costmodel.CostPoint, error) {
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(from.UTC().Format(ceDateLayout)),
			End:   aws.String(to.UTC().Format(ceDateLayout)),
		},
		Granularity: cetypes.GranularityDaily,
		Metrics:     []string{"UnblendedCost", "UsageQuantity"},
		GroupBy: []cetypes.GroupDefinition{
			{
				Type: cetypes.GroupDefinitionTypeDimension,
				Key:  aws.String("SERVICE"),
			},
		},
	}

	var points []costmodel.CostPoint
	for {
		out, err := s.client.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("cost explorer get cost and usage: %w", err)
		}

		for _, byTime := range out.ResultsByTime {
			day, err := time.Parse(ceDateLayout, aws.ToString(byTime.TimePeriod.Start))
			if err != nil {
				return nil, fmt.Errorf("parsing result period start %q: %w", aws.ToString(byTime.TimePeriod.Start), err)
			}

			for _, group := range byTime.Groups {
				if len(group.Keys) == 0 {
					continue
				}
				points = append(points, costmodel.CostPoint{
					Timestamp: day,
					Service:   group.Keys[0],
					Account:   s.account,
					Region:    s.region,
					Cost:      s.metricAmount(group.Metrics, "UnblendedCost"),
					Usage:     s.metricAmount(group.Metrics, "UsageQuantity"),
				})
			}
		}

		if out.NextPageToken == nil {
			break
		}
		input.NextPageToken = out.NextPageToken
	}

	s.logger.Debug("fetched cost points",
		zap.String("from", from.UTC().Format(ceDateLayout)),
		zap.String("to", to.UTC().Format(ceDateLayout)),
		zap.Int("points", len(points)))
	return points, nil
}

// metricAmount parses one metric value. Cost Explorer returns amounts as
// decimal strings; an unparseable amount is logged and counted as zero
// rather than failing the whole window.
func (s *CostExplorerSource) metricAmount(metrics map[string]cetypes.MetricValue, name string) float64 {
	mv, ok := metrics[name]
	if !ok || mv.Amount == nil {
		return 0
	}
	amount, err := strconv.ParseFloat(aws.ToString(mv.Amount), 64)
	if err != nil {
		s.logger.Warn("unparseable metric amount",
			zap.String("metric", name),
			zap.String("amount", aws.ToString(mv.Amount)),
			zap.Error(err))
		return 0
	}
	return amount
}
