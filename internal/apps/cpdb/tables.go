// Package cpdb holds what the CPDB indexers share: the declared tables,
// side maps over officers and categories, and display helpers.
package cpdb

import "github.com/cpdb/esindex/internal/schema"

// Table names.
const (
	Allegation             = "data_allegation"
	AllegationCategory     = "data_allegationcategory"
	Officer                = "data_officer"
	OfficerAllegation      = "data_officerallegation"
	Complainant            = "data_complainant"
	Victim                 = "data_victim"
	Investigator           = "data_investigator"
	InvestigatorAllegation = "data_investigatorallegation"
	AttachmentFile         = "data_attachmentfile"
	Area                   = "data_area"
	OfficerBadgeNumber     = "data_officerbadgenumber"
	OfficerHistory         = "data_officerhistory"
	PoliceUnit             = "data_policeunit"
)

// allegationFK references data_allegation, whose key is the crid string.
func allegationFK() schema.Column {
	c := schema.FK("allegation_id", Allegation)
	c.Type = "varchar"
	return c
}

// Catalog returns the declared CPDB catalog.
func Catalog() *schema.Catalog {
	catalog, err := schema.NewCatalog(
		schema.MustTable(Allegation,
			schema.PK("crid", "varchar"),
			schema.Col("summary", "text"),
			schema.Col("incident_date", "date"),
			schema.Col("add1", "varchar"),
			schema.Col("add2", "varchar"),
			schema.Col("city", "varchar"),
			schema.Col("location", "varchar"),
			schema.Col("point", "geometry"),
			schema.Col("is_officer_complaint", "boolean"),
			schema.FK("beat_id", Area),
		),
		schema.MustTable(AllegationCategory,
			schema.PK("id", "integer"),
			schema.Col("category", "varchar"),
			schema.Col("allegation_name", "varchar"),
		),
		schema.MustTable(Officer,
			schema.PK("id", "integer"),
			schema.Col("first_name", "varchar"),
			schema.Col("last_name", "varchar"),
			schema.Col("gender", "varchar"),
			schema.Col("race", "varchar"),
			schema.Col("birth_year", "integer"),
			schema.Col("appointed_date", "date"),
			schema.Col("rank", "varchar"),
			schema.Col("active", "varchar"),
			schema.Col("complaint_percentile", "numeric"),
			schema.Col("civilian_allegation_percentile", "numeric"),
			schema.Col("internal_allegation_percentile", "numeric"),
			schema.Col("trr_percentile", "numeric"),
			schema.FK("last_unit_id", PoliceUnit),
		),
		schema.MustTable(OfficerAllegation,
			schema.PK("id", "integer"),
			allegationFK(),
			schema.FK("officer_id", Officer),
			schema.FK("allegation_category_id", AllegationCategory),
			schema.Col("start_date", "date"),
			schema.Col("end_date", "date"),
			schema.Col("final_finding", "varchar"),
			schema.Col("final_outcome", "varchar"),
			schema.Col("recc_outcome", "varchar"),
			schema.Col("disciplined", "boolean"),
		),
		schema.MustTable(Complainant,
			schema.PK("id", "integer"),
			allegationFK(),
			schema.Col("gender", "varchar"),
			schema.Col("race", "varchar"),
			schema.Col("age", "integer"),
		),
		schema.MustTable(Victim,
			schema.PK("id", "integer"),
			allegationFK(),
			schema.Col("gender", "varchar"),
			schema.Col("race", "varchar"),
			schema.Col("age", "integer"),
		),
		schema.MustTable(Investigator,
			schema.PK("id", "integer"),
			schema.Col("first_name", "varchar"),
			schema.Col("last_name", "varchar"),
			schema.FK("officer_id", Officer),
		),
		schema.MustTable(InvestigatorAllegation,
			schema.PK("id", "integer"),
			allegationFK(),
			schema.FK("investigator_id", Investigator),
			schema.Col("current_rank", "varchar"),
			schema.Col("investigator_type", "varchar"),
		),
		schema.MustTable(AttachmentFile,
			schema.PK("id", "integer"),
			allegationFK(),
			schema.Col("title", "varchar"),
			schema.Col("url", "varchar"),
			schema.Col("file_type", "varchar"),
			schema.Col("preview_image_url", "varchar"),
		),
		schema.MustTable(Area,
			schema.PK("id", "integer"),
			schema.Col("name", "varchar"),
			schema.Col("area_type", "varchar"),
		),
		schema.MustTable(OfficerBadgeNumber,
			schema.PK("id", "integer"),
			schema.FK("officer_id", Officer),
			schema.Col("star", "varchar"),
			schema.Col("current", "boolean"),
		),
		schema.MustTable(OfficerHistory,
			schema.PK("id", "integer"),
			schema.FK("officer_id", Officer),
			schema.FK("unit_id", PoliceUnit),
			schema.Col("effective_date", "date"),
			schema.Col("end_date", "date"),
		),
		schema.MustTable(PoliceUnit,
			schema.PK("id", "integer"),
			schema.Col("unit_name", "varchar"),
			schema.Col("description", "varchar"),
		),
	)
	if err != nil {
		panic(err)
	}
	return catalog
}
