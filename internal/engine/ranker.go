package engine

import (
	"strconv"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

// rankCandidates reorders candidates by bm25 relevance of their names to the
// query, so the strongest matches lead the prompt. Candidates the query does
// not hit keep their original relative order after the ranked ones. Any
// indexing problem leaves the input untouched.
func rankCandidates(query string, candidates []session.Candidate) []session.Candidate {
	if len(candidates) < 2 {
		return candidates
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return candidates
	}
	defer idx.Close()

	for i, c := range candidates {
		doc := struct {
			Name string `json:"name"`
		}{Name: c.Name}
		if err := idx.Index(strconv.Itoa(i), doc); err != nil {
			return candidates
		}
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), len(candidates), 0, false)
	res, err := idx.Search(req)
	if err != nil {
		return candidates
	}

	ranked := make([]session.Candidate, 0, len(candidates))
	taken := make(map[int]bool, len(candidates))
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(candidates) || taken[i] {
			continue
		}
		ranked = append(ranked, candidates[i])
		taken[i] = true
	}
	for i, c := range candidates {
		if !taken[i] {
			ranked = append(ranked, c)
		}
	}
	return ranked
}
