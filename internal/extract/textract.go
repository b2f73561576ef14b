package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/cenkalti/backoff/v4"
)

const (
	// textractSyncMaxPages is the page ceiling for the synchronous API.
	textractSyncMaxPages = 3

	// textractPollCeiling bounds async job polling. Jobs still running
	// past this are a non-retriable timeout.
	textractPollCeiling = 120 * time.Second
)

// ErrOCRTimeout marks an OCR job that did not finish inside the poll
// ceiling.
var ErrOCRTimeout = errors.New("OCR job did not finish in time")

// jobPendingError reports a job that has not settled yet. The poll loop
// retries it; past the ceiling it maps to ErrOCRTimeout.
type jobPendingError struct {
	jobID  string
	status types.JobStatus
}

func (e *jobPendingError) Error() string {
	return fmt.Sprintf("OCR job %s is %s", e.jobID, e.status)
}

// textractAPI is the slice of the Textract client the strategy calls.
type textractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, opts ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, opts ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, opts ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// TextractStrategy runs managed OCR: synchronous detection for short
// documents, an asynchronous polled job for everything else.
type TextractStrategy struct {
	client     textractAPI
	pollPolicy func() backoff.BackOff
}

// NewTextractStrategy creates the managed OCR strategy.
func NewTextractStrategy(ctx context.Context, region string) (*TextractStrategy, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &TextractStrategy{
		client:     textract.NewFromConfig(awsCfg),
		pollPolicy: defaultPollPolicy,
	}, nil
}

// defaultPollPolicy backs off 2→4→8→…→30 s until the poll ceiling.
func defaultPollPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = textractPollCeiling
	policy.RandomizationFactor = 0
	return policy
}

func (s *TextractStrategy) Name() string { return "textract" }

// Extract chooses sync or async detection based on the page hint from
// the native pass.
func (s *TextractStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()

	var blocks []types.Block
	var err error
	if src.PageHint > 0 && src.PageHint <= textractSyncMaxPages {
		blocks, err = s.detectSync(ctx, src.Data)
	} else {
		blocks, err = s.detectAsync(ctx, src.Bucket, src.Key)
	}
	if err != nil {
		return nil, err
	}

	return finishResult(blocksToPages(blocks), s.Name(), start), nil
}

func (s *TextractStrategy) detectSync(ctx context.Context, data []byte) ([]types.Block, error) {
	out, err := s.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: data},
	})
	if err != nil {
		return nil, fmt.Errorf("sync OCR failed: %w", err)
	}
	return out.Blocks, nil
}

// detectAsync starts a detection job against the stored object and
// polls with exponential backoff until the job settles or the ceiling
// passes.
func (s *TextractStrategy) detectAsync(ctx context.Context, bucket, key string) ([]types.Block, error) {
	started, err := s.client.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start OCR job: %w", err)
	}
	jobID := aws.ToString(started.JobId)

	var blocks []types.Block
	operation := func() error {
		status, page, err := s.pollJob(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch status {
		case types.JobStatusSucceeded:
			blocks = page
			return nil
		case types.JobStatusFailed:
			return backoff.Permanent(fmt.Errorf("OCR job %s failed", jobID))
		}
		return &jobPendingError{jobID: jobID, status: status}
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.pollPolicy(), ctx)); err != nil {
		var pending *jobPendingError
		if errors.As(err, &pending) {
			return nil, fmt.Errorf("%w: job %s", ErrOCRTimeout, jobID)
		}
		return nil, err
	}
	return blocks, nil
}

// pollJob fetches the job status, following pagination once the job has
// succeeded.
func (s *TextractStrategy) pollJob(ctx context.Context, jobID string) (types.JobStatus, []types.Block, error) {
	var blocks []types.Block
	var nextToken *string

	for {
		out, err := s.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(jobID),
			NextToken: nextToken,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to poll OCR job: %w", err)
		}
		if out.JobStatus != types.JobStatusSucceeded {
			return out.JobStatus, nil, nil
		}

		blocks = append(blocks, out.Blocks...)
		if out.NextToken == nil {
			return types.JobStatusSucceeded, blocks, nil
		}
		nextToken = out.NextToken
	}
}

// blocksToPages groups LINE blocks into pages ordered by page number.
func blocksToPages(blocks []types.Block) []Page {
	lines := map[int][]string{}
	confSum := map[int]float64{}
	confN := map[int]int{}

	for _, b := range blocks {
		if b.BlockType != types.BlockTypeLine || b.Text == nil {
			continue
		}
		page := 1
		if b.Page != nil {
			page = int(*b.Page)
		}
		lines[page] = append(lines[page], aws.ToString(b.Text))
		if b.Confidence != nil {
			confSum[page] += float64(*b.Confidence) / 100
			confN[page]++
		}
	}

	numbers := make([]int, 0, len(lines))
	for n := range lines {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	pages := make([]Page, 0, len(numbers))
	for _, n := range numbers {
		conf := -1.0
		if confN[n] > 0 {
			conf = confSum[n] / float64(confN[n])
		}
		pages = append(pages, Page{
			Number:     n,
			Text:       strings.Join(lines[n], "\n"),
			Confidence: conf,
		})
	}
	return pages
}

var _ Strategy = (*TextractStrategy)(nil)
