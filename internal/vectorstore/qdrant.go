package vectorstore

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

var collectionSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// QdrantStore realizes collection-per-tenant isolation: each tenant's
// vectors live in a collection whose name is derived from the tenant id.
type QdrantStore struct {
	client    *qdrant.Client
	tenantID  uuid.UUID
	dimension int

	mu          sync.Mutex
	provisioned bool
}

// NewQdrantClient connects to Qdrant. url is "host:port"
// (default port 6334).
func NewQdrantClient(url string) (*qdrant.Client, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return client, nil
}

// NewQdrantStore binds a store to one tenant.
func NewQdrantStore(client *qdrant.Client, tenantID uuid.UUID, dimension int) *QdrantStore {
	return &QdrantStore{client: client, tenantID: tenantID, dimension: dimension}
}

// CollectionName derives the tenant's collection name with character
// sanitization.
func CollectionName(tenantID uuid.UUID) string {
	name := strings.ToLower("tenant-" + tenantID.String())
	return collectionSanitizer.ReplaceAllString(name, "-")
}

func (s *QdrantStore) Name() string { return "qdrant" }

// EnsureReady creates the tenant's collection if it does not exist yet.
func (s *QdrantStore) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provisioned {
		return nil
	}

	name := CollectionName(s.tenantID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	s.provisioned = true
	return nil
}

// Upsert writes records in batches.
func (s *QdrantStore) Upsert(ctx context.Context, records []Record) (int, error) {
	if err := checkTenant(records, s.tenantID); err != nil {
		return 0, err
	}
	if err := s.EnsureReady(ctx); err != nil {
		return 0, err
	}

	name := CollectionName(s.tenantID)
	written := 0
	for start := 0; start < len(records); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(records) {
			end = len(records)
		}

		points := make([]*qdrant.PointStruct, 0, end-start)
		for _, r := range records[start:end] {
			pointID, err := pointUUID(r.ID)
			if err != nil {
				return written, err
			}
			payload := map[string]*qdrant.Value{"text": qdrant.NewValueString(r.Text)}
			for k, v := range r.Metadata {
				payload[k] = anyToValue(v)
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID),
				Vectors: qdrant.NewVectors(r.Vector...),
				Payload: payload,
			})
		}

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
		})
		if err != nil {
			return written, fmt.Errorf("failed to upsert batch: %w", err)
		}
		written += len(points)
	}
	return written, nil
}

// Query searches the tenant's collection. The caller filter becomes
// additional must-match conditions.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]Match, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	topK = clampTopK(topK)

	var conditions []*qdrant.Condition
	for k, v := range filter {
		conditions = append(conditions, qdrant.NewMatch(k, fmt.Sprintf("%v", v)))
	}
	var qf *qdrant.Filter
	if len(conditions) > 0 {
		qf = &qdrant.Filter{Must: conditions}
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionName(s.tenantID),
		Query:          qdrant.NewQuery(vector...),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	matches := make([]Match, 0, len(response))
	for _, point := range response {
		m := Match{
			ID:       strings.ReplaceAll(point.Id.GetUuid(), "-", ""),
			Score:    normalizeScore(point.Score),
			Metadata: map[string]any{},
		}
		for k, v := range point.Payload {
			if k == "text" {
				m.Text = v.GetStringValue()
				continue
			}
			m.Metadata[k] = valueToAny(v)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Delete removes points by vector ID.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointID, err := pointUUID(id)
		if err != nil {
			return err
		}
		pointIDs = append(pointIDs, qdrant.NewIDUUID(pointID))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(s.tenantID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// DeleteByDocument removes every point of one document.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(s.tenantID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("document_id", documentID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document: %w", err)
	}
	return nil
}

// Count returns the number of points in the tenant's collection.
func (s *QdrantStore) Count(ctx context.Context) (uint64, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return 0, err
	}
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: CollectionName(s.tenantID),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return count, nil
}

// pointUUID converts a 32-hex vector ID into Qdrant's canonical UUID
// form.
func pointUUID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("vector id %q is not 32 hex chars: %w", id, err)
	}
	return parsed.String(), nil
}

func anyToValue(v any) *qdrant.Value {
	switch t := v.(type) {
	case string:
		return qdrant.NewValueString(t)
	case int:
		return qdrant.NewValueInt(int64(t))
	case int64:
		return qdrant.NewValueInt(t)
	case float64:
		return qdrant.NewValueDouble(t)
	case bool:
		return qdrant.NewValueBool(t)
	case []string:
		// Permission tags and similar string sets must survive the
		// round trip as lists, not as a formatted string.
		elems := make([]*qdrant.Value, len(t))
		for i, s := range t {
			elems[i] = qdrant.NewValueString(s)
		}
		return qdrant.NewValueFromList(elems...)
	case []any:
		elems := make([]*qdrant.Value, len(t))
		for i, e := range t {
			elems[i] = anyToValue(e)
		}
		return qdrant.NewValueFromList(elems...)
	}
	return qdrant.NewValueString(fmt.Sprintf("%v", v))
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		values := k.ListValue.GetValues()
		out := make([]any, len(values))
		for i, e := range values {
			out[i] = valueToAny(e)
		}
		return out
	}
	return v.String()
}

var _ Store = (*QdrantStore)(nil)
