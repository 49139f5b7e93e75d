package domain

type SpeciesRecord struct {
	CommonName    string            `json:"common_name"`
	BotanicalName string            `json:"botanical_name"`
	Fields        map[string]string `json:"fields"`
}

type SpeciesResult struct {
	Query   string          `json:"query"`
	Records []SpeciesRecord `json:"records"`
}
