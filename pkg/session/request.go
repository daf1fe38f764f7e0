package session

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// DocumentRequest is what a reader asks of one document. Elements maps a
// namespace to the element identifiers requested from it, each with the
// reader's intent to retain.
type DocumentRequest struct {
	DocType  string
	Elements map[string]map[string]bool
}

// Items lists the requested element identifiers of namespace in order.
func (r DocumentRequest) Items(namespace string) []string {
	var ids []string
	for id := range r.Elements[namespace] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disclosure is what the holder approved from one document.
type Disclosure struct {
	DocType  string
	Elements map[string][]string
}

type deviceRequest struct {
	Version     string       `cbor:"version"`
	DocRequests []docRequest `cbor:"docRequests"`
}

type docRequest struct {
	ItemsRequest cbor.Tag        `cbor:"itemsRequest"`
	ReaderAuth   cbor.RawMessage `cbor:"readerAuth,omitempty"`
}

type itemsRequest struct {
	DocType    string                     `cbor:"docType"`
	NameSpaces map[string]map[string]bool `cbor:"nameSpaces"`
}

// EncodeDeviceRequest builds an unsigned DeviceRequest.
func EncodeDeviceRequest(docs []DocumentRequest) ([]byte, error) {
	req := deviceRequest{Version: "1.0"}
	for _, d := range docs {
		items, err := encMode.Marshal(itemsRequest{DocType: d.DocType, NameSpaces: d.Elements})
		if err != nil {
			return nil, err
		}
		req.DocRequests = append(req.DocRequests, docRequest{ItemsRequest: cbor.Tag{Number: tagEncodedCBOR, Content: items}})
	}
	return encMode.Marshal(req)
}

// DecodeDeviceRequest extracts the items requested by a DeviceRequest. Reader
// authentication is not verified.
func DecodeDeviceRequest(b []byte) ([]DocumentRequest, error) {
	var req struct {
		Version     string `cbor:"version"`
		DocRequests []struct {
			ItemsRequest cbor.RawTag `cbor:"itemsRequest"`
		} `cbor:"docRequests"`
	}
	if err := cbor.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("session: device request: %w", err)
	}
	if req.Version == "" {
		return nil, fmt.Errorf("session: device request has no version")
	}
	docs := make([]DocumentRequest, 0, len(req.DocRequests))
	for i, d := range req.DocRequests {
		if d.ItemsRequest.Number != tagEncodedCBOR {
			return nil, fmt.Errorf("session: doc request %d: tag %d", i, d.ItemsRequest.Number)
		}
		var enc []byte
		if err := cbor.Unmarshal(d.ItemsRequest.Content, &enc); err != nil {
			return nil, fmt.Errorf("session: doc request %d: %w", i, err)
		}
		var items itemsRequest
		if err := cbor.Unmarshal(enc, &items); err != nil {
			return nil, fmt.Errorf("session: doc request %d: items: %w", i, err)
		}
		docs = append(docs, DocumentRequest{DocType: items.DocType, Elements: items.NameSpaces})
	}
	return docs, nil
}

type disclosed struct {
	Version   string              `cbor:"version"`
	Documents []disclosedDocument `cbor:"documents"`
	Status    uint                `cbor:"status"`
}

type disclosedDocument struct {
	DocType  string                       `cbor:"docType"`
	Elements map[string]map[string]string `cbor:"elements"`
}

// EncodeDisclosed builds an unsigned response carrying element values as
// text. It is meant for testing readers, not for presenting credentials.
func EncodeDisclosed(docType string, elements map[string]map[string]string) ([]byte, error) {
	return encMode.Marshal(disclosed{
		Version:   "1.0",
		Documents: []disclosedDocument{{DocType: docType, Elements: elements}},
	})
}

// DecodeDisclosed reverses EncodeDisclosed for the first document.
func DecodeDisclosed(b []byte) (string, map[string]map[string]string, error) {
	var d disclosed
	if err := cbor.Unmarshal(b, &d); err != nil {
		return "", nil, fmt.Errorf("session: disclosed: %w", err)
	}
	if len(d.Documents) == 0 {
		return "", nil, fmt.Errorf("session: disclosed: no documents, status %d", d.Status)
	}
	return d.Documents[0].DocType, d.Documents[0].Elements, nil
}
