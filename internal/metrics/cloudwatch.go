package metrics

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketsync/logger"
)

const publishTimeout = 5 * time.Second

// PutMetricDataAPI is the part of the CloudWatch client used here.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    PutMetricDataAPI
	namespace string
}

var cwState atomic.Pointer[cloudWatchState]

// CloudWatchOptions configures the publisher. Static credentials are used when both
// keys are set, otherwise the default AWS chain applies.
type CloudWatchOptions struct {
	Region          string
	Namespace       string
	AccessKeyID     string
	SecretAccessKey string
}

// InitCloudWatch creates the CloudWatch client. On failure publishing stays disabled.
func InitCloudWatch(ctx context.Context, opts CloudWatchOptions) error {
	log := logger.GetLogger().WithComponent("cloudwatch")

	region := opts.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return err
	}

	SetCloudWatchClient(cloudwatch.NewFromConfig(cfg), opts.Namespace)
	log.WithFields(logger.Fields{"region": cfg.Region, "namespace": opts.Namespace}).Info("initialized CloudWatch client")
	return nil
}

// SetCloudWatchClient installs client as the publish target. A nil client disables publishing.
func SetCloudWatchClient(client PutMetricDataAPI, namespace string) {
	if client == nil {
		cwState.Store(nil)
		return
	}
	if namespace == "" {
		namespace = "MarketSync"
	}
	cwState.Store(&cloudWatchState{client: client, namespace: namespace})
}

func publishMetricDatum(component, metric string, value float64, fields logger.Fields) {
	state := cwState.Load()
	if state == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if s, ok := fields["unit"].(string); ok && strings.EqualFold(s, "percent") {
		unit = cwtypes.StandardUnitPercent
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	publish(state, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

// PublishReport sends a runtime report to CloudWatch. It matches logger.ReportPublisher.
func PublishReport(ctx context.Context, r logger.Report) {
	state := cwState.Load()
	if state == nil {
		return
	}

	data := []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, r.CPUPercent, nil),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, r.MemoryMB, nil),
		datum("Goroutines", cwtypes.StandardUnitCount, float64(r.Goroutines), nil),
		datum("Reconnects", cwtypes.StandardUnitCount, float64(r.Reconnects), nil),
		datum("ErrorsStream", cwtypes.StandardUnitCount, float64(r.ErrorsStream), nil),
		datum("ErrorsSnapshot", cwtypes.StandardUnitCount, float64(r.ErrorsSnapshot), nil),
	}
	for channel, n := range r.Events {
		data = append(data, datum("Events", cwtypes.StandardUnitCount, float64(n), map[string]string{"Channel": channel}))
	}
	for channel, n := range r.Drops {
		data = append(data, datum("Drops", cwtypes.StandardUnitCount, float64(n), map[string]string{"Channel": channel}))
	}

	// PutMetricData accepts at most 1000 datums per call
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		publishWithContext(ctx, state, data[start:end])
	}
}

func datum(name string, unit cwtypes.StandardUnit, value float64, dims map[string]string) cwtypes.MetricDatum {
	d := cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(value)}
	for k, v := range dims {
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}
	return d
}

func publish(state *cloudWatchState, data []cwtypes.MetricDatum) {
	publishWithContext(context.Background(), state, data)
}

func publishWithContext(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if len(data) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	log := logger.GetLogger().WithComponent("cloudwatch")
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}
	log.WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to CloudWatch")
}
