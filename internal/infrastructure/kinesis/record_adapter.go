package kinesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/example/ec-settlement/internal/events"
	"go.uber.org/zap"
)

// ErrPoisonRecord marks a record that can never be processed. Retrying it
// would block the shard, so it is skipped.
var ErrPoisonRecord = errors.New("undecodable record")

// DecodeRecord reads the settlement envelope carried in a Kinesis record.
func DecodeRecord(record lambdaevents.KinesisEventRecord) (events.Raw, error) {
	var env events.Envelope
	if err := json.Unmarshal(record.Kinesis.Data, &env); err != nil {
		return events.Raw{}, fmt.Errorf("%w: %v", ErrPoisonRecord, err)
	}
	raw, err := env.Decode()
	if err != nil {
		return events.Raw{}, fmt.Errorf("%w: %v", ErrPoisonRecord, err)
	}
	return raw, nil
}

// ProcessBatch runs handle for every record and reports the ones worth
// retrying. Poison records are logged and skipped.
func ProcessBatch(ctx context.Context, batch lambdaevents.KinesisEvent, handle func(context.Context, events.Event) error, logger *zap.Logger) lambdaevents.KinesisEventResponse {
	var failures []lambdaevents.KinesisBatchItemFailure

	for _, record := range batch.Records {
		seq := record.Kinesis.SequenceNumber

		raw, err := DecodeRecord(record)
		if err != nil {
			logger.Error("Skipping record", zap.String("sequence_number", seq), zap.Error(err))
			continue
		}

		if err := handle(ctx, raw); err != nil {
			logger.Error("Failed to process record",
				zap.String("sequence_number", seq),
				zap.String("event", string(raw.Name)),
				zap.Error(err))
			failures = append(failures, lambdaevents.KinesisBatchItemFailure{ItemIdentifier: seq})
		}
	}

	logger.Info("Batch processed",
		zap.Int("records", len(batch.Records)),
		zap.Int("failed", len(failures)))
	return lambdaevents.KinesisEventResponse{BatchItemFailures: failures}
}
