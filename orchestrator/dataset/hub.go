package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// HubSource pages through the Hugging Face datasets-server /rows endpoint.
type HubSource struct {
	BaseURL string
	Dataset string
	Config  string
	Split   string
	// rows per request, the server caps this at 100
	PageSize int
	// 0 means fetch every row
	MaxRows int
	Client  *http.Client
}

const defaultHubPageSize = 100

func (h HubSource) Load(ctx context.Context) ([]Record, error) {
	logger := zerolog.Ctx(ctx)
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := h.PageSize
	if pageSize <= 0 || pageSize > defaultHubPageSize {
		pageSize = defaultHubPageSize
	}

	var records []Record
	total := -1
	for offset := 0; total < 0 || offset < total; offset += pageSize {
		if h.MaxRows > 0 && offset >= h.MaxRows {
			break
		}
		body, err := h.fetchPage(ctx, client, offset, pageSize)
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("hub returned invalid json at offset %d", offset)
		}
		parsed := gjson.ParseBytes(body)
		if errMsg := parsed.Get("error"); errMsg.Exists() {
			return nil, fmt.Errorf("hub: %s", errMsg.String())
		}
		total = int(parsed.Get("num_rows_total").Int())
		rows := parsed.Get("rows").Array()
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			rec := Record{}
			row.Get("row").ForEach(func(key, value gjson.Result) bool {
				rec[key.String()] = value.Value()
				return true
			})
			records = append(records, rec)
		}
		logger.Debug().Msgf("fetched %d/%d rows of %s/%s", len(records), total, h.Dataset, h.Split)
	}
	if h.MaxRows > 0 && len(records) > h.MaxRows {
		records = records[:h.MaxRows]
	}
	return records, nil
}

func (h HubSource) fetchPage(ctx context.Context, client *http.Client, offset, length int) ([]byte, error) {
	q := url.Values{}
	q.Set("dataset", h.Dataset)
	q.Set("config", h.Config)
	q.Set("split", h.Split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(length))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/rows?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}
