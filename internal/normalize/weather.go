package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// flexTime accepts RFC 3339, "2006-01-02 15:04" (read as UTC) or unix
// seconds.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		if secs > 0 {
			t.Time = time.Unix(int64(secs), 0).UTC()
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return &time.ParseError{Layout: time.RFC3339, Value: s, Message: ": unrecognised timestamp"}
}

// --- flat: {temp_c, condition, humidity, wind_kph, location: "London, UK"} ---

type flatCurrent struct {
	Location      string    `json:"location"`
	Lat           *float64  `json:"lat"`
	Lon           *float64  `json:"lon"`
	TempC         *float64  `json:"temp_c"`
	TempF         *float64  `json:"temp_f"`
	FeelsLikeC    *float64  `json:"feelslike_c"`
	FeelsLikeF    *float64  `json:"feelslike_f"`
	Humidity      *float64  `json:"humidity"`
	PressureMb    *float64  `json:"pressure_mb"`
	PressureIn    *float64  `json:"pressure_in"`
	WindKph       *float64  `json:"wind_kph"`
	WindMph       *float64  `json:"wind_mph"`
	WindDegree    *float64  `json:"wind_degree"`
	VisKm         *float64  `json:"vis_km"`
	VisMiles      *float64  `json:"vis_miles"`
	Condition     string    `json:"condition"`
	ConditionCode *float64  `json:"condition_code"`
	ObservedAt    *flexTime `json:"observed_at"`
}

type flatDay struct {
	Date          string   `json:"date"`
	MinC          *float64 `json:"min_c"`
	MaxC          *float64 `json:"max_c"`
	MinF          *float64 `json:"min_f"`
	MaxF          *float64 `json:"max_f"`
	AvgC          *float64 `json:"avg_c"`
	Condition     string   `json:"condition"`
	ConditionCode *float64 `json:"condition_code"`
	PrecipMm      *float64 `json:"precip_mm"`
	ChanceOfRain  *float64 `json:"chance_of_rain"`
}

type flatForecast struct {
	Location string    `json:"location"`
	Lat      *float64  `json:"lat"`
	Lon      *float64  `json:"lon"`
	Days     []flatDay `json:"days"`
}

// --- weatherapi.com ---

type waLocation struct {
	Name    string   `json:"name"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

type waCondition struct {
	Text string   `json:"text"`
	Code *float64 `json:"code"`
}

type waCurrent struct {
	Location waLocation `json:"location"`
	Current  *struct {
		LastUpdatedEpoch *float64   `json:"last_updated_epoch"`
		TempC            *float64   `json:"temp_c"`
		FeelsLikeC       *float64   `json:"feelslike_c"`
		Humidity         *float64   `json:"humidity"`
		PressureMb       *float64   `json:"pressure_mb"`
		WindKph          *float64   `json:"wind_kph"`
		WindDegree       *float64   `json:"wind_degree"`
		VisKm            *float64   `json:"vis_km"`
		Condition        waCondition `json:"condition"`
	} `json:"current"`
}

type waForecast struct {
	Location waLocation `json:"location"`
	Forecast struct {
		ForecastDay []struct {
			Date string `json:"date"`
			Day  struct {
				MaxTempC          *float64    `json:"maxtemp_c"`
				MinTempC          *float64    `json:"mintemp_c"`
				AvgTempC          *float64    `json:"avgtemp_c"`
				TotalPrecipMm     *float64    `json:"totalprecip_mm"`
				DailyChanceOfRain *float64    `json:"daily_chance_of_rain"`
				Condition         waCondition `json:"condition"`
			} `json:"day"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

// --- openweathermap.org, standard units (kelvin, m/s) ---

type owmWeather struct {
	ID          *float64 `json:"id"`
	Description string   `json:"description"`
}

type owmCurrent struct {
	Name  string `json:"name"`
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
	Weather []owmWeather `json:"weather"`
	Main    *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Pressure  *float64 `json:"pressure"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Wind *struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Visibility *float64 `json:"visibility"`
	Dt         *float64 `json:"dt"`
}

type owmForecast struct {
	City struct {
		Name    string `json:"name"`
		Country string `json:"country"`
		Coord   struct {
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
		} `json:"coord"`
	} `json:"city"`
	List []struct {
		Dt   float64 `json:"dt"`
		Temp struct {
			Min *float64 `json:"min"`
			Max *float64 `json:"max"`
			Day *float64 `json:"day"`
		} `json:"temp"`
		Weather []owmWeather `json:"weather"`
		Pop     *float64     `json:"pop"`
		Rain    *float64     `json:"rain"`
	} `json:"list"`
}

func (n *Normalizer) current(kind registry.Kind, body []byte, opts Options) (*Current, error) {
	switch kind {
	case registry.KindFlat:
		var r flatCurrent
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		name, country := splitLocation(r.Location)
		name, err := locationName(name, opts)
		if err != nil {
			return nil, err
		}
		temp := first(r.TempC, ptr(r.TempF, fahrenheitToC))
		if temp == nil {
			return nil, missing("temp_c")
		}
		var observed time.Time
		if r.ObservedAt != nil {
			observed = r.ObservedAt.Time
		}
		return &Current{
			Location: Location{Name: name, Country: country, Lat: r.Lat, Lon: r.Lon},
			Observed: Observation{
				TemperatureC:  *temp,
				FeelsLikeC:    first(r.FeelsLikeC, ptr(r.FeelsLikeF, fahrenheitToC)),
				HumidityPct:   r.Humidity,
				PressureHpa:   first(r.PressureMb, ptr(r.PressureIn, inHgToHpa)),
				WindMps:       first(ptr(r.WindKph, kphToMps), ptr(r.WindMph, mphToMps)),
				WindDeg:       r.WindDegree,
				VisibilityKm:  first(r.VisKm, ptr(r.VisMiles, milesToKm)),
				ConditionCode: intPtr(r.ConditionCode),
				ConditionText: r.Condition,
				ObservedAt:    n.instant(observed),
			},
		}, nil

	case registry.KindWeatherAPI:
		var r waCurrent
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		if r.Current == nil || r.Current.TempC == nil {
			return nil, missing("current.temp_c")
		}
		name, err := locationName(r.Location.Name, opts)
		if err != nil {
			return nil, err
		}
		c := r.Current
		return &Current{
			Location: Location{Name: name, Country: r.Location.Country, Lat: r.Location.Lat, Lon: r.Location.Lon},
			Observed: Observation{
				TemperatureC:  *c.TempC,
				FeelsLikeC:    c.FeelsLikeC,
				HumidityPct:   c.Humidity,
				PressureHpa:   c.PressureMb,
				WindMps:       ptr(c.WindKph, kphToMps),
				WindDeg:       c.WindDegree,
				VisibilityKm:  c.VisKm,
				ConditionCode: intPtr(c.Condition.Code),
				ConditionText: c.Condition.Text,
				ObservedAt:    n.instant(unixPtr(c.LastUpdatedEpoch)),
			},
		}, nil

	case registry.KindOpenWeatherMap:
		var r owmCurrent
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		if r.Main == nil || r.Main.Temp == nil {
			return nil, missing("main.temp")
		}
		name, err := locationName(r.Name, opts)
		if err != nil {
			return nil, err
		}
		loc := Location{Name: name, Country: r.Sys.Country}
		if r.Coord != nil {
			loc.Lat, loc.Lon = r.Coord.Lat, r.Coord.Lon
		}
		obs := Observation{
			TemperatureC: kelvinToC(*r.Main.Temp),
			FeelsLikeC:   ptr(r.Main.FeelsLike, kelvinToC),
			HumidityPct:  r.Main.Humidity,
			PressureHpa:  r.Main.Pressure,
			VisibilityKm: ptr(r.Visibility, metresToKm),
			ObservedAt:   n.instant(unixPtr(r.Dt)),
		}
		if r.Wind != nil {
			obs.WindMps = ptr(r.Wind.Speed, ident)
			obs.WindDeg = r.Wind.Deg
		}
		if len(r.Weather) > 0 {
			obs.ConditionText = capitalise(r.Weather[0].Description)
			obs.ConditionCode = intPtr(r.Weather[0].ID)
		}
		return &Current{Location: loc, Observed: obs}, nil
	}

	return nil, unknownKind(kind, registry.OpCurrent)
}

func (n *Normalizer) forecast(kind registry.Kind, body []byte, opts Options) (*Forecast, error) {
	var f Forecast

	switch kind {
	case registry.KindFlat:
		var r flatForecast
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		name, country := splitLocation(r.Location)
		name, err := locationName(name, opts)
		if err != nil {
			return nil, err
		}
		f.Location = Location{Name: name, Country: country, Lat: r.Lat, Lon: r.Lon}
		for i, d := range r.Days {
			lo := first(d.MinC, ptr(d.MinF, fahrenheitToC))
			hi := first(d.MaxC, ptr(d.MaxF, fahrenheitToC))
			if d.Date == "" || lo == nil || hi == nil {
				return nil, missing(dayField(i, "date/min_c/max_c"))
			}
			f.Days = append(f.Days, Day{
				Date:            d.Date,
				MinC:            *lo,
				MaxC:            *hi,
				AvgC:            d.AvgC,
				ConditionText:   d.Condition,
				ConditionCode:   intPtr(d.ConditionCode),
				PrecipitationMm: d.PrecipMm,
				ChanceOfRainPct: d.ChanceOfRain,
			})
		}

	case registry.KindWeatherAPI:
		var r waForecast
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		name, err := locationName(r.Location.Name, opts)
		if err != nil {
			return nil, err
		}
		f.Location = Location{Name: name, Country: r.Location.Country, Lat: r.Location.Lat, Lon: r.Location.Lon}
		for i, fd := range r.Forecast.ForecastDay {
			if fd.Date == "" || fd.Day.MinTempC == nil || fd.Day.MaxTempC == nil {
				return nil, missing(dayField(i, "date/mintemp_c/maxtemp_c"))
			}
			f.Days = append(f.Days, Day{
				Date:            fd.Date,
				MinC:            *fd.Day.MinTempC,
				MaxC:            *fd.Day.MaxTempC,
				AvgC:            fd.Day.AvgTempC,
				ConditionText:   fd.Day.Condition.Text,
				ConditionCode:   intPtr(fd.Day.Condition.Code),
				PrecipitationMm: fd.Day.TotalPrecipMm,
				ChanceOfRainPct: fd.Day.DailyChanceOfRain,
			})
		}

	case registry.KindOpenWeatherMap:
		var r owmForecast
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		name, err := locationName(r.City.Name, opts)
		if err != nil {
			return nil, err
		}
		f.Location = Location{Name: name, Country: r.City.Country, Lat: r.City.Coord.Lat, Lon: r.City.Coord.Lon}
		for i, d := range r.List {
			if d.Dt <= 0 || d.Temp.Min == nil || d.Temp.Max == nil {
				return nil, missing(dayField(i, "dt/temp.min/temp.max"))
			}
			day := Day{
				Date:            time.Unix(int64(d.Dt), 0).UTC().Format("2006-01-02"),
				MinC:            kelvinToC(*d.Temp.Min),
				MaxC:            kelvinToC(*d.Temp.Max),
				AvgC:            ptr(d.Temp.Day, kelvinToC),
				PrecipitationMm: d.Rain,
				ChanceOfRainPct: ptr(d.Pop, func(p float64) float64 { return round2(p * 100) }),
			}
			if len(d.Weather) > 0 {
				day.ConditionText = capitalise(d.Weather[0].Description)
				day.ConditionCode = intPtr(d.Weather[0].ID)
			}
			f.Days = append(f.Days, day)
		}

	default:
		return nil, unknownKind(kind, registry.OpForecast)
	}

	if len(f.Days) == 0 {
		return nil, missing("forecast days")
	}
	if len(f.Days) > opts.days() {
		f.Days = f.Days[:opts.days()]
	}
	return &f, nil
}

func dayField(i int, field string) string {
	return "days[" + strconv.Itoa(i) + "]." + field
}

func capitalise(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
