package bus

import "fmt"

// functionNames is indexed by the metadata function-name code.
var functionNames = [...]string{
	0:  "",
	1:  "Diagnostic Tool",
	2:  "Tablet",
	3:  "Gas Water Heater",
	4:  "Electric Water Heater",
	5:  "Water Pump",
	6:  "Bath Vent",
	7:  "Light",
	8:  "Floor Heat",
	9:  "Exterior Light",
	10: "Awning Light",
	11: "Ceiling Light",
	12: "Courtesy Light",
	13: "Dining Light",
	14: "Bedroom Light",
	15: "Kitchen Light",
	16: "Living Room Light",
	17: "Porch Light",
	18: "Security Light",
	19: "Accent Light",
	20: "Bathroom Light",
	21: "Main Awning",
	22: "Patio Awning",
	23: "Slide",
	24: "Bedroom Slide",
	25: "Living Room Slide",
	26: "Kitchen Slide",
	27: "Landing Gear",
	28: "Stabilizer",
	29: "Leveler",
	30: "Fresh Tank",
	31: "Grey Tank",
	32: "Black Tank",
	33: "LP Tank",
	34: "Fuel Tank",
	35: "Generator",
	36: "Battery",
	37: "Inverter",
	38: "Converter",
	39: "Fireplace",
	40: "Thermostat",
	41: "Front Thermostat",
	42: "Rear Thermostat",
	43: "Bedroom Thermostat",
	44: "Furnace",
	45: "Air Conditioner",
	46: "Fan",
	47: "Roof Vent",
	48: "Tank Heater",
	49: "Step",
	50: "TV Lift",
}

// FunctionName resolves a function code and instance to a display name.
// Instance 0 means the only device of its function.
func FunctionName(code uint16, instance uint8) (string, bool) {
	if int(code) >= len(functionNames) || functionNames[code] == "" {
		return "", false
	}
	name := functionNames[code]
	if instance > 0 {
		name = fmt.Sprintf("%s %d", name, instance)
	}
	return name, true
}
