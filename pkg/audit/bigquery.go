package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryConfig names the audit table.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// LoadDefaultBigQueryConfig reads the audit table location from the environment.
// An empty DatasetID means auditing to BigQuery is disabled.
func LoadDefaultBigQueryConfig() *BigQueryConfig {
	cfg := &BigQueryConfig{
		ProjectID: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		DatasetID: os.Getenv("APISYNC_AUDIT_DATASET"),
		TableID:   "mutations",
	}
	if table := os.Getenv("APISYNC_AUDIT_TABLE"); table != "" {
		cfg.TableID = table
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		cfg.CredentialsFile = creds
	}
	return cfg
}

// NewBigQueryClient creates a BigQuery client, using the credentials file when one is configured.
func NewBigQueryClient(ctx context.Context, cfg *BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryInserter streams audit records into a BigQuery table.
type BigQueryInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter connects to the audit table, creating it from the Record schema if it does not exist.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("BigQueryConfig must name a dataset and table")
	}

	logger = logger.With().
		Str("component", "AuditBigQueryInserter").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("Audit table not found. Creating it from the record schema.")
		schema, err := bigquery.InferSchema(Record{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer audit schema: %w", err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create audit table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("Audit table created.")
	}

	return &BigQueryInserter{
		inserter: table.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams records into the table. Row-level failures are logged one by one.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := i.inserter.Put(ctx, records); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	i.logger.Debug().Int("batch_size", len(records)).Msg("Inserted audit batch into BigQuery.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed by its creator.
func (i *BigQueryInserter) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
