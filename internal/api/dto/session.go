package dto

type SessionEvent struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}
