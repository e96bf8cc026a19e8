package models

// DeviceCard is the view of one device block of the configuration document
type DeviceCard struct {
	Name         string        `json:"name"`
	Kind         string        `json:"kind,omitempty"`
	Params       []Param       `json:"params"`
	State        ServerState   `json:"state"`
	Associations []Association `json:"associations,omitempty"`
}

type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Association links an abstract component name to a device component URL
type Association struct {
	Abstract  string `json:"abstract"`
	Device    string `json:"device"`
	Component string `json:"component"`
	URL       string `json:"url"`
}
