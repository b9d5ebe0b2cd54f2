package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricPublisher is the subset of the CloudWatch client used here.
type MetricPublisher interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

var (
	cwMu        sync.RWMutex
	cwClient    MetricPublisher
	cwNamespace = "DeribitFlow"
	cwDashboard = "DeribitFlow"
)

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to the AWS_REGION environment
// variable. When the client cannot be created the function logs a warning and
// metrics publishing remains disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	SetMetricPublisher(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

// SetMetricPublisher installs client as the CloudWatch sink. A nil client
// disables publishing.
func SetMetricPublisher(client MetricPublisher, namespace, dashboard string) {
	cwMu.Lock()
	defer cwMu.Unlock()
	cwClient = client
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
}

func publisher() (MetricPublisher, string, string) {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient, cwNamespace, cwDashboard
}

// publishMetrics sends the provided metric data to CloudWatch when the client
// has been initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := publisher()
	if client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard ensures a basic dashboard exists when the CloudWatch
// client has been configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := publisher()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","PagesRead"],
    ["%[1]s","FilesWritten"],
    ["%[1]s","rows_committed"]
],
"period": 300,
"stat": "Sum",
"title": "DeribitFlow Ingestion"
}
},{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","HeapMB"],
    ["%[1]s","Errors"],
    ["%[1]s","rate_limit_exceeded"]
],
"period": 60,
"stat": "Maximum",
"title": "DeribitFlow Health"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
