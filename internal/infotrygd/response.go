package infotrygd

import "encoding/xml"

// QueryResult is what the query phase resolves out of the registry's reply:
// the start date of the most recent prior period and the district office
// code. Either or both may be empty when the registry has no history.
type QueryResult struct {
	Date   string
	Region string
}

// Empty reports whether the reply resolved neither field.
func (r QueryResult) Empty() bool { return r.Date == "" && r.Region == "" }

type forespResponse struct {
	XMLName  xml.Name       `xml:"InfotrygdForesp"`
	TkNummer string         `xml:"tkNummer"`
	History  *forespHistory `xml:"sMhistorikk"`
}

type forespHistory struct {
	Entries []forespEntry `xml:"sykmelding"`
}

type forespEntry struct {
	Period forespPeriod `xml:"periode"`
}

type forespPeriod struct {
	ArbufoerFOM string `xml:"arbufoerFOM"`
}

// ParseQueryResponse decodes an InfotrygdForesp reply. The resolved date is
// the period start of the LAST history entry. Malformed or empty input
// yields a zero result, never an error; the caller treats an empty result
// as a failed query phase.
func ParseQueryResponse(raw []byte) QueryResult {
	var resp forespResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return QueryResult{}
	}

	result := QueryResult{Region: resp.TkNummer}
	if resp.History != nil && len(resp.History.Entries) > 0 {
		last := resp.History.Entries[len(resp.History.Entries)-1]
		result.Date = last.Period.ArbufoerFOM
	}
	return result
}
