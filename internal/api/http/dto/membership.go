package dto

type Member struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	DNSName string `json:"dns_name,omitempty"`
}

type MembersResponse struct {
	Group   string   `json:"group"`
	Members []Member `json:"members"`
	Count   int      `json:"count"`
}
