// Package flow implements the conversational flows: the nearby matching
// engine, the saved-location picker, and the home menu.
package flow

import (
	"strings"

	"github.com/motolink/waroute/internal/models"
)

// Control row and button ids shared across flows.
const (
	RowHomeMenu       = "home_menu"
	RowFindDrivers    = "nearby_drivers"
	RowFindPassengers = "nearby_passengers"
	RowChangeVehicle  = "nearby_change_vehicle"
	RowSavedLocations = "location_saved_list"
	RowSkipDropoff    = "nearby_skip_dropoff"

	vehicleRowPrefix = "veh_"
)

// VehicleOption is one entry of the vehicle catalog.
type VehicleOption struct {
	ID          string
	Title       string
	Description string
}

// VehicleCatalog lists the selectable vehicle classes, in menu order.
var VehicleCatalog = []VehicleOption{
	{ID: "veh_moto", Title: "Moto taxi", Description: "Two-wheel rides around town."},
	{ID: "veh_cab", Title: "Cab", Description: "Standard car trips."},
	{ID: "veh_lifan", Title: "Lifan", Description: "Three-wheel cargo rides."},
	{ID: "veh_truck", Title: "Truck", Description: "Pickup or truck deliveries."},
	{ID: "veh_others", Title: "Other vehicles", Description: "Anything else (buses, vans, etc.)."},
}

// IsVehicleOption reports whether the row id belongs to the vehicle catalog.
func IsVehicleOption(id string) bool {
	for _, opt := range VehicleCatalog {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// VehicleFromRowID strips the catalog prefix: "veh_moto" becomes "moto".
func VehicleFromRowID(id string) string {
	return strings.TrimPrefix(id, vehicleRowPrefix)
}

func vehicleRows() []models.ListRow {
	rows := make([]models.ListRow, 0, len(VehicleCatalog))
	for _, opt := range VehicleCatalog {
		rows = append(rows, models.ListRow{ID: opt.ID, Title: opt.Title, Description: opt.Description})
	}
	return rows
}
