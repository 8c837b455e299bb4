package submit

import (
	"strconv"
	"time"

	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/photo"
)

// Form holds the fields the worker typed in.
type Form struct {
	ShopName   string
	Remark     string
	Popularity int
}

// DefaultPopularity is preselected when the worker does not rate the shop.
const DefaultPopularity = 3

// Snapshot exposes the latest fix and photo at the moment of the call.
type Snapshot interface {
	Fix() (location.Fix, bool)
	Photo() (photo.Asset, bool)
}

// Record is one submission attempt. It is built fresh for every attempt and
// never stored.
type Record struct {
	ShopName        string
	Remark          string
	Popularity      int
	Fix             *location.Fix
	Photo           *photo.Asset
	ClientTimestamp time.Time
}

// NewRecord combines form fields with whatever fix and photo snap holds now.
func NewRecord(f Form, snap Snapshot, now time.Time) Record {
	rec := Record{
		ShopName:        f.ShopName,
		Remark:          f.Remark,
		Popularity:      f.Popularity,
		ClientTimestamp: now.UTC(),
	}
	if fix, ok := snap.Fix(); ok {
		rec.Fix = &fix
	}
	if asset, ok := snap.Photo(); ok {
		rec.Photo = &asset
	}
	return rec
}

// OutcomeKind discriminates submission results.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	MissingPhoto
	MissingLocation
	InvalidRecord
	InFlight
	TransportFailure
	ApplicationFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case MissingPhoto:
		return "missing_photo"
	case MissingLocation:
		return "missing_location"
	case InvalidRecord:
		return "invalid_record"
	case InFlight:
		return "in_flight"
	case TransportFailure:
		return "transport_failure"
	case ApplicationFailure:
		return "application_failure"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one Submit call.
type Outcome struct {
	Kind       OutcomeKind
	Message    string
	StatusCode int
	Err        error
	AttemptID  string
}

// OK reports whether the endpoint accepted the record.
func (o Outcome) OK() bool { return o.Kind == Success }

// Local reports whether the attempt stopped before any network activity.
func (o Outcome) Local() bool {
	switch o.Kind {
	case MissingPhoto, MissingLocation, InvalidRecord, InFlight:
		return true
	}
	return false
}

// Summary is a one-line, user-facing description.
func (o Outcome) Summary() string {
	switch o.Kind {
	case Success:
		return "Submitted"
	case MissingPhoto:
		return "Please attach a photo"
	case MissingLocation:
		return "No location fix yet; refresh location and try again"
	case InvalidRecord:
		return o.Message
	case InFlight:
		return "A submission is already in progress"
	case TransportFailure:
		if o.StatusCode != 0 {
			return "Error submitting: endpoint returned HTTP " + strconv.Itoa(o.StatusCode)
		}
		return "Error submitting: endpoint unreachable"
	case ApplicationFailure:
		if o.Message != "" {
			return "Failed to submit: " + o.Message
		}
		return "Failed to submit"
	default:
		return "Unknown outcome"
	}
}

// payload is the JSON body the collection endpoint accepts.
type payload struct {
	ShopName        string `json:"shopName"`
	Remark          string `json:"remark"`
	Popularity      int    `json:"popularity"`
	Latitude        string `json:"latitude"`
	Longitude       string `json:"longitude"`
	Accuracy        string `json:"accuracy"`
	FileData        string `json:"fileData"`
	FileName        string `json:"fileName"`
	MimeType        string `json:"mimeType"`
	ClientTimestamp string `json:"clientTimestamp"`
}

// endpointResponse is the endpoint's reply; Status "SUCCESS" means accepted.
type endpointResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
