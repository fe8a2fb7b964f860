package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

type ElasticsearchConfig struct {
	Host  string
	Port  int
	Index string
}

func NewElasticsearchStore(conf ElasticsearchConfig) (*ElasticsearchStore, error) {
	if conf.Index == "" {
		return nil, errors.New("elasticsearch index must be set")
	}
	c, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{fmt.Sprintf("http://%s:%d", conf.Host, conf.Port)},
	})
	if err != nil {
		return nil, err
	}
	return &ElasticsearchStore{
		Client: c,
		index:  conf.Index,
	}, nil
}

// ElasticsearchStore indexes each result as a document whose id is the
// request id.
type ElasticsearchStore struct {
	*elasticsearch.Client
	index string
}

func (e *ElasticsearchStore) Save(ctx context.Context, result *recognition.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}

	res, err := e.Index(
		e.index,
		bytes.NewReader(b),
		e.Index.WithDocumentID(result.RequestID.String()),
		e.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.New(res.String())
	}
	return nil
}

func (e *ElasticsearchStore) Ready(ctx context.Context) bool {
	res, err := e.Info(e.Info.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == 200
}
