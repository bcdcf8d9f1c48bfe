package store

// KNNMethod describes the ANN method declared on knn_vector fields.
type KNNMethod struct {
	Name           string
	Engine         string
	SpaceType      string
	EfConstruction int
	M              int
}

// DefaultKNNMethod returns the deployment default ANN method.
func DefaultKNNMethod() KNNMethod {
	return KNNMethod{
		Name:           "disk_ann",
		Engine:         "jvector",
		SpaceType:      "l2",
		EfConstruction: 100,
		M:              16,
	}
}

func (m KNNMethod) mapping() map[string]interface{} {
	return map[string]interface{}{
		"name":       m.Name,
		"engine":     m.Engine,
		"space_type": m.SpaceType,
		"parameters": map[string]interface{}{
			"ef_construction": m.EfConstruction,
			"m":               m.M,
		},
	}
}

// SearchResponse is the subset of an OpenSearch search response the service
// consumes.
type SearchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]Aggregation `json:"aggregations"`
}

// Hit is a single search hit.
type Hit struct {
	ID     string                 `json:"_id"`
	Score  float64                `json:"_score"`
	Source map[string]interface{} `json:"_source"`
}

// Aggregation is a terms aggregation result.
type Aggregation struct {
	Buckets []AggregationBucket `json:"buckets"`
}

// AggregationBucket is one terms bucket.
type AggregationBucket struct {
	Key      interface{} `json:"key"`
	DocCount int         `json:"doc_count"`
}

// FieldMapping describes one field in the index mapping.
type FieldMapping struct {
	Type      string `json:"type"`
	Dimension int    `json:"dimension,omitempty"`
}

// IsKNNVector reports whether the field is a knn_vector.
func (f FieldMapping) IsKNNVector() bool {
	return f.Type == "knn_vector"
}
