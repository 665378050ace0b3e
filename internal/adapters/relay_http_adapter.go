package adapters

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const deliveredPayloadsPath = "/relay/v1/data/bidtraces/proposer_payload_delivered"

// maxRelayResponseSize caps the body read from a relay. A single slot answer is a handful of bid traces.
const maxRelayResponseSize = 1 << 20

var relayJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// bidTrace is the relay data API representation. Every numeric field is a decimal string.
type bidTrace struct {
	Slot                 string `json:"slot"`
	ParentHash           string `json:"parent_hash"`
	BlockHash            string `json:"block_hash"`
	BuilderPubkey        string `json:"builder_pubkey"`
	ProposerPubkey       string `json:"proposer_pubkey"`
	ProposerFeeRecipient string `json:"proposer_fee_recipient"`
	GasLimit             string `json:"gas_limit"`
	GasUsed              string `json:"gas_used"`
	Value                string `json:"value"`
	NumTx                string `json:"num_tx"`
	BlockNumber          string `json:"block_number"`
}

// relayHTTPClient implements ports.RelayAdapter against the relay data API.
type relayHTTPClient struct {
	tag      domain.RelayTag
	endpoint string
	client   *nethttp.Client
}

// NewRelayHTTPAdapter builds the adapter for one configured relay. Request deadlines come
// from the caller's context.
func NewRelayHTTPAdapter(tag domain.RelayTag, endpoint string, client *nethttp.Client) (ports.RelayAdapter, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint for relay %s", tag)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid endpoint for relay %s: scheme must be http or https", tag)
	}
	if client == nil {
		client = nethttp.DefaultClient
	}
	return &relayHTTPClient{
		tag:      tag,
		endpoint: strings.TrimRight(u.String(), "/"),
		client:   client,
	}, nil
}

func (r *relayHTTPClient) Tag() domain.RelayTag {
	return r.tag
}

// GetDeliveredPayloads asks the relay which payload it delivered at slot. An empty list is
// a valid answer.
func (r *relayHTTPClient) GetDeliveredPayloads(ctx context.Context, slot domain.Slot) ([]domain.DeliveredPayload, error) {
	reqURL := fmt.Sprintf("%s%s?slot=%d", r.endpoint, deliveredPayloadsPath, slot)
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "relay %s", r.tag)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponseSize))
	if err != nil {
		return nil, errors.Wrapf(err, "relay %s: reading response", r.tag)
	}
	if resp.StatusCode != nethttp.StatusOK {
		return nil, errors.Errorf("relay %s: unexpected status %d: %s", r.tag, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var traces []bidTrace
	if err := relayJSON.Unmarshal(body, &traces); err != nil {
		return nil, errors.Wrapf(err, "relay %s: decoding response", r.tag)
	}

	payloads := make([]domain.DeliveredPayload, 0, len(traces))
	for _, t := range traces {
		p, err := t.toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "relay %s", r.tag)
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func (t bidTrace) toDomain() (domain.DeliveredPayload, error) {
	slot, err := strconv.ParseUint(t.Slot, 10, 64)
	if err != nil {
		return domain.DeliveredPayload{}, errors.Wrapf(err, "invalid slot %q", t.Slot)
	}
	var blockHash common.Hash
	if err := blockHash.UnmarshalText([]byte(t.BlockHash)); err != nil {
		return domain.DeliveredPayload{}, errors.Wrapf(err, "invalid block hash %q", t.BlockHash)
	}

	p := domain.DeliveredPayload{
		Slot:           domain.Slot(slot),
		BlockHash:      blockHash,
		ProposerPubKey: domain.NormalizePubKey(t.ProposerPubkey),
	}
	if common.IsHexAddress(t.ProposerFeeRecipient) {
		p.ProposerFeeRecipient = common.HexToAddress(t.ProposerFeeRecipient)
	}
	if v := strings.TrimSpace(t.Value); v != "" {
		value, err := domain.WeiFromDecimal(v)
		if err != nil {
			return domain.DeliveredPayload{}, err
		}
		p.Value = &value
	}
	return p, nil
}
