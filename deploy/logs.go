package deploy

import (
	"context"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

// LogsAPI is the subset of the CloudWatch Logs client used to read handler logs.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// LogLine is one event from the key handler's log group.
type LogLine struct {
	Time    time.Time
	Stream  string
	Message string
}

// HandlerLogs returns the most recent limit events from the key handler's
// log group newer than since, oldest first. A limit of zero returns every
// event. The group name comes from the stack outputs.
func (d *Deployer) HandlerLogs(ctx context.Context, since time.Duration, limit int) ([]LogLine, error) {
	s, err := d.describe(ctx)
	if err != nil {
		return nil, err
	}
	group := Outputs(s)[stack.OutKeyRetrieverLogs]
	if group == "" {
		return nil, &NotFoundError{Resource: "key handler log group for stack", ID: d.Config.StackName}
	}
	return d.readLogs(ctx, group, time.Now().Add(-since), limit)
}

func (d *Deployer) readLogs(ctx context.Context, group string, start time.Time, limit int) ([]LogLine, error) {
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(start.UnixMilli()),
	}
	var lines []LogLine
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(d.Logs, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return lines, mapAWSError(err, "log group", group)
		}
		for _, e := range page.Events {
			lines = append(lines, LogLine{
				Time:    time.UnixMilli(aws.ToInt64(e.Timestamp)),
				Stream:  aws.ToString(e.LogStreamName),
				Message: aws.ToString(e.Message),
			})
		}
	}
	slices.SortStableFunc(lines, func(a, b LogLine) int { return a.Time.Compare(b.Time) })
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
