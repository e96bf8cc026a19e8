package document_test

import (
	"testing"

	"chemdrive/internal/document"
	"chemdrive/internal/models"

	"github.com/stretchr/testify/require"
)

const twoPumps = `
[device.pump-a]
type = "Elite11"
port = "COM4"
syringe_diameter = "14.567 mm"
address = 1

[device.hplc]
type = "ClarityHPLC"
remote = true
flow = 0.25

[device.light]

[association.pump]
url = "pump-a/pump"

[association.detector]
url = "hplc/detector/uv"
`

func TestParse(t *testing.T) {
	doc, err := document.Parse(twoPumps)
	require.NoError(t, err)
	require.False(t, doc.Empty())
	require.Equal(t, []string{"pump-a", "hplc", "light"}, doc.DeviceNames())

	devices, err := doc.Devices()
	require.NoError(t, err)
	require.Equal(t, "COM4", devices["pump-a"]["port"])
	require.EqualValues(t, 1, devices["pump-a"]["address"])
	require.Equal(t, true, devices["hplc"]["remote"])
	require.Empty(t, devices["light"])
}

func TestParseError(t *testing.T) {
	text := "[device.pump]\nport = \"COM4\"\naddress = = 1\n"
	_, err := document.Parse(text)
	require.Error(t, err)

	var perr *document.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 3, perr.Line)
	require.Positive(t, perr.Column)
	require.Contains(t, perr.Error(), "(line 3, col")
}

func TestRoundTrip(t *testing.T) {
	doc, err := document.Parse(twoPumps)
	require.NoError(t, err)

	text, err := doc.Marshal()
	require.NoError(t, err)

	again, err := document.Parse(string(text))
	require.NoError(t, err)

	before, err := doc.Devices()
	require.NoError(t, err)
	after, err := again.Devices()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestScalarDevice(t *testing.T) {
	doc, err := document.Parse("[device]\nflowmeter = \"COM7\"\n")
	require.NoError(t, err)
	devices, err := doc.Devices()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"value": "COM7"}, devices["flowmeter"])
}

func TestDeviceSectionNotTable(t *testing.T) {
	doc, err := document.Parse("device = 3\n")
	require.NoError(t, err)
	_, err = doc.Devices()
	require.ErrorIs(t, err, document.ErrDeviceSection)
	require.Nil(t, doc.DeviceNames())
}

func TestIsolated(t *testing.T) {
	doc, err := document.Parse(twoPumps)
	require.NoError(t, err)

	single, err := doc.Isolated("hplc")
	require.NoError(t, err)
	require.Equal(t, []string{"hplc"}, single.DeviceNames())

	reparsed, err := document.Parse(single.String())
	require.NoError(t, err)
	devices, err := reparsed.Devices()
	require.NoError(t, err)
	require.Equal(t, "ClarityHPLC", devices["hplc"]["type"])

	_, err = doc.Isolated("nope")
	require.ErrorIs(t, err, document.ErrDeviceNotFound)
}

func TestCards(t *testing.T) {
	doc, err := document.Parse(twoPumps)
	require.NoError(t, err)

	cards, err := doc.Cards()
	require.NoError(t, err)
	require.Len(t, cards, 3)

	pump := cards[0]
	require.Equal(t, "pump-a", pump.Name)
	require.Equal(t, "Elite11", pump.Kind)
	require.Equal(t, []models.Param{
		{Key: "address", Value: "1"},
		{Key: "port", Value: "COM4"},
		{Key: "syringe_diameter", Value: "14.567 mm"},
	}, pump.Params)
	require.Equal(t, []models.Association{
		{Abstract: "pump", Device: "pump-a", Component: "pump", URL: "pump-a/pump"},
	}, pump.Associations)

	hplc := cards[1]
	require.Equal(t, "hplc", hplc.Name)
	require.Equal(t, "uv", hplc.Associations[0].Component)
	require.Equal(t, "light", cards[2].Name)
	require.Empty(t, cards[2].Params)
}

func TestDeviceOrder(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"tables", "[device.zeta]\n[device.alpha]\n", []string{"zeta", "alpha"}},
		{"section keys", "[device]\nzeta = \"COM1\"\nalpha = \"COM2\"\n", []string{"zeta", "alpha"}},
		{"dotted keys", "device.zeta.type = \"A\"\ndevice.alpha.type = \"B\"\n", []string{"zeta", "alpha"}},
		{"inline table", "device = { zeta = {}, alpha = {} }\n", []string{"zeta", "alpha"}},
		{"nested tables", "[device.zeta]\n[device.alpha.options]\nx = 1\n[device.zeta.extra]\n", []string{"zeta", "alpha"}},
		{"quoted", "[device.\"b c\"]\n[device.a]\n", []string{"b c", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := document.Parse(tt.text)
			require.NoError(t, err)
			require.Equal(t, tt.want, doc.DeviceNames())
		})
	}
}

func TestAssociationWithoutURL(t *testing.T) {
	doc, err := document.Parse("[association.pump]\nname = \"x\"\n")
	require.NoError(t, err)
	assocs, err := doc.Associations()
	require.ErrorIs(t, err, document.ErrMissingAssocURL)
	require.Empty(t, assocs)
}
