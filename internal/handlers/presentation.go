package handlers

import "chemdrive/internal/models"

// Presentation is how a device state is shown to the operator.
type Presentation struct {
	Color string `json:"color"`
	Label string `json:"label"`
}

var statePresentation = map[models.ServerState]Presentation{
	models.StateOff:      {Color: "black", Label: "-"},
	models.StateStarting: {Color: "yellow", Label: "Initializing ..."},
	models.StateRunning:  {Color: "green", Label: "Running"},
	models.StateError:    {Color: "red", Label: "Error"},
	models.StateVerified: {Color: "green", Label: "Verified"},
}

// Present returns the presentation of s. Unknown states show as OFF.
func Present(s models.ServerState) Presentation {
	if p, ok := statePresentation[s]; ok {
		return p
	}
	return statePresentation[models.StateOff]
}

// DeviceView is a device card with its presentation.
type DeviceView struct {
	models.DeviceCard
	Presentation Presentation `json:"presentation"`
}

func deviceViews(cards []models.DeviceCard) []DeviceView {
	views := make([]DeviceView, len(cards))
	for i, c := range cards {
		views[i] = DeviceView{DeviceCard: c, Presentation: Present(c.State)}
	}
	return views
}
