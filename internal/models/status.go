package models

// Status is the internal shipment status shared by the storefront and admin panel.
type Status string

const (
	StatusPendingReview  Status = "pending_review"
	StatusApproved       Status = "approved"
	StatusPlaced         Status = "placed"
	StatusPendingPickup  Status = "pending_pickup"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusRTOInitiated   Status = "rto_initiated"
	StatusRTODelivered   Status = "rto_delivered"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses lists every internal status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingReview,
	StatusApproved,
	StatusPlaced,
	StatusPendingPickup,
	StatusPickedUp,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusRTOInitiated,
	StatusRTODelivered,
	StatusFailed,
	StatusCancelled,
}

var terminalStatuses = map[Status]struct{}{
	StatusDelivered:    {},
	StatusCancelled:    {},
	StatusRTODelivered: {},
}

// IsTerminal reports whether no further courier updates are expected for s.
func IsTerminal(s Status) bool {
	_, ok := terminalStatuses[s]
	return ok
}

func ParseStatus(v string) (Status, bool) {
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// StatusDisplay is what presentation layers render for a status.
type StatusDisplay struct {
	Status      Status `json:"status"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Color       string `json:"color"`
	Progress    int    `json:"progress"`
}

var statusDisplays = map[Status]StatusDisplay{
	StatusPendingReview:  {Label: "Pending Review", Description: "Order is waiting for admin review", Icon: "clock", Color: "gray", Progress: 5},
	StatusApproved:       {Label: "Approved", Description: "Order approved and being prepared", Icon: "check-circle", Color: "blue", Progress: 15},
	StatusPlaced:         {Label: "Shipment Placed", Description: "Shipment created with the courier", Icon: "package", Color: "blue", Progress: 25},
	StatusPendingPickup:  {Label: "Pending Pickup", Description: "Waiting for the courier to collect the parcel", Icon: "inbox", Color: "yellow", Progress: 30},
	StatusPickedUp:       {Label: "Picked Up", Description: "Parcel collected by the courier", Icon: "truck", Color: "indigo", Progress: 45},
	StatusInTransit:      {Label: "In Transit", Description: "Parcel is on its way", Icon: "truck", Color: "indigo", Progress: 65},
	StatusOutForDelivery: {Label: "Out for Delivery", Description: "Parcel is out for delivery today", Icon: "map-pin", Color: "purple", Progress: 85},
	StatusDelivered:      {Label: "Delivered", Description: "Parcel delivered", Icon: "gift", Color: "green", Progress: 100},
	StatusRTOInitiated:   {Label: "Return Initiated", Description: "Parcel is being returned to the sender", Icon: "rotate-ccw", Color: "orange", Progress: 60},
	StatusRTODelivered:   {Label: "Returned", Description: "Parcel returned to the sender", Icon: "corner-up-left", Color: "orange", Progress: 100},
	StatusFailed:         {Label: "Delivery Failed", Description: "Delivery attempt failed", Icon: "alert-triangle", Color: "red", Progress: 70},
	StatusCancelled:      {Label: "Cancelled", Description: "Shipment cancelled", Icon: "x-circle", Color: "red", Progress: 0},
}

// Display returns the presentation entry for s. Unknown values get a neutral entry.
func Display(s Status) StatusDisplay {
	d, ok := statusDisplays[s]
	if !ok {
		return StatusDisplay{Status: s, Label: "Unknown", Description: "Status not recognised", Icon: "help-circle", Color: "gray"}
	}
	d.Status = s
	return d
}
