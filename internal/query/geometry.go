package query

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
)

// Point is a lon/lat pair decoded from ST_AsGML output.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// gmlPoint matches both GML 2 (<gml:coordinates>x,y</...>) and
// GML 3 (<gml:pos>x y</...>) point encodings.
type gmlPoint struct {
	Coordinates string `xml:"coordinates"`
	Pos         string `xml:"pos"`
}

// ParseGML decodes a GML point into lon/lat.
func ParseGML(text string) (*Point, error) {
	var g gmlPoint
	if err := xml.Unmarshal([]byte(text), &g); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryParse, cerrors.CodeMalformedGML,
			fmt.Sprintf("invalid GML %q", text), err)
	}

	var parts []string
	switch {
	case strings.TrimSpace(g.Coordinates) != "":
		parts = strings.Split(strings.TrimSpace(g.Coordinates), ",")
	case strings.TrimSpace(g.Pos) != "":
		parts = strings.Fields(g.Pos)
	}
	if len(parts) < 2 {
		return nil, cerrors.New(cerrors.ErrCategoryParse, cerrors.CodeMalformedGML,
			fmt.Sprintf("GML %q has no point coordinates", text))
	}

	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryParse, cerrors.CodeMalformedGML, "invalid longitude", err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryParse, cerrors.CodeMalformedGML, "invalid latitude", err)
	}
	return &Point{Lon: lon, Lat: lat}, nil
}
