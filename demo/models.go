package demo

import (
	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/x5iu/streamrpc"
)

// The user models encode to JSON with the field names below and to the
// protobuf wire format with the field numbers in their *Fields maps.

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

var addressFields = map[protowire.Number]string{1: "street", 2: "city", 3: "country", 4: "postal_code"}

func (a Address) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, a.Street)
	b = appendString(b, 2, a.City)
	b = appendString(b, 3, a.Country)
	b = appendString(b, 4, a.PostalCode)
	return b, nil
}

func (a *Address) UnmarshalBinary(b []byte) error {
	*a = Address{}
	return walk(b, addressFields, func(f field) (err error) {
		switch f.num {
		case 1:
			a.Street, err = f.str()
		case 2:
			a.City, err = f.str()
		case 3:
			a.Country, err = f.str()
		case 4:
			a.PostalCode, err = f.str()
		}
		return err
	})
}

type User struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Active   bool              `json:"active"`
	Roles    []string          `json:"roles"`
	Address  *Address          `json:"address"`
	Metadata map[string]string `json:"metadata"`
}

// UnmarshalJSON treats a missing "active" as true. The binary form has no
// such default: an absent field there is false.
func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	v := plain{Active: true}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*u = User(v)
	return nil
}

var userFields = map[protowire.Number]string{
	1: "id", 2: "name", 3: "email", 4: "active", 5: "roles", 6: "address", 7: "metadata",
}

func (u User) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(u.ID))
	b = appendString(b, 2, u.Name)
	b = appendString(b, 3, u.Email)
	b = appendBool(b, 4, u.Active)
	for _, r := range u.Roles {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	if u.Address != nil {
		a, _ := u.Address.MarshalBinary()
		b = appendMessage(b, 6, a)
	}
	b = appendStringMap(b, 7, u.Metadata)
	return b, nil
}

func (u *User) UnmarshalBinary(b []byte) error {
	*u = User{}
	return walk(b, userFields, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.varint()
			u.ID = int64(v)
			return err
		case 2:
			v, err := f.str()
			u.Name = v
			return err
		case 3:
			v, err := f.str()
			u.Email = v
			return err
		case 4:
			v, err := f.varint()
			u.Active = protowire.DecodeBool(v)
			return err
		case 5:
			v, err := f.str()
			if err == nil {
				u.Roles = append(u.Roles, v)
			}
			return err
		case 6:
			m, err := f.message()
			if err != nil {
				return err
			}
			u.Address = new(Address)
			return u.Address.UnmarshalBinary(m)
		case 7:
			m, err := f.message()
			if err != nil {
				return err
			}
			k, v, err := decodeStringMapEntry(m)
			if err != nil {
				return err
			}
			if u.Metadata == nil {
				u.Metadata = make(map[string]string)
			}
			u.Metadata[k] = v
		}
		return nil
	})
}

func marshalUser(b []byte, num protowire.Number, u *User) []byte {
	if u == nil {
		return b
	}
	m, _ := u.MarshalBinary()
	return appendMessage(b, num, m)
}

func unmarshalUser(f field) (*User, error) {
	m, err := f.message()
	if err != nil {
		return nil, err
	}
	u := new(User)
	if err := u.UnmarshalBinary(m); err != nil {
		return nil, err
	}
	return u, nil
}

type CreateUserRequest struct {
	User User `json:"user"`
}

func (r CreateUserRequest) MarshalBinary() ([]byte, error) {
	return marshalUser(nil, 1, &r.User), nil
}

func (r *CreateUserRequest) UnmarshalBinary(b []byte) error {
	*r = CreateUserRequest{}
	return walk(b, map[protowire.Number]string{1: "user"}, func(f field) error {
		if f.num != 1 {
			return nil
		}
		u, err := unmarshalUser(f)
		if err != nil {
			return err
		}
		r.User = *u
		return nil
	})
}

type CreateUserResponse struct {
	User      User   `json:"user"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"` // Unix seconds
}

func (r CreateUserResponse) MarshalBinary() ([]byte, error) {
	b := marshalUser(nil, 1, &r.User)
	b = appendString(b, 2, r.Status)
	b = appendVarint(b, 3, uint64(r.CreatedAt))
	return b, nil
}

func (r *CreateUserResponse) UnmarshalBinary(b []byte) error {
	*r = CreateUserResponse{}
	return walk(b, map[protowire.Number]string{1: "user", 2: "status", 3: "created_at"}, func(f field) error {
		switch f.num {
		case 1:
			u, err := unmarshalUser(f)
			if err != nil {
				return err
			}
			r.User = *u
		case 2:
			v, err := f.str()
			r.Status = v
			return err
		case 3:
			v, err := f.varint()
			r.CreatedAt = int64(v)
			return err
		}
		return nil
	})
}

type GetUserRequest struct {
	ID int64 `json:"id"`
}

func (r GetUserRequest) MarshalBinary() ([]byte, error) {
	return appendVarint(nil, 1, uint64(r.ID)), nil
}

func (r *GetUserRequest) UnmarshalBinary(b []byte) error {
	*r = GetUserRequest{}
	return walk(b, map[protowire.Number]string{1: "id"}, func(f field) error {
		if f.num != 1 {
			return nil
		}
		v, err := f.varint()
		r.ID = int64(v)
		return err
	})
}

// GetUserResponse carries a nil User when the id is unknown.
type GetUserResponse struct {
	User *User `json:"user"`
}

func (r GetUserResponse) MarshalBinary() ([]byte, error) {
	return marshalUser(nil, 1, r.User), nil
}

func (r *GetUserResponse) UnmarshalBinary(b []byte) error {
	*r = GetUserResponse{}
	return walk(b, map[protowire.Number]string{1: "user"}, func(f field) error {
		if f.num != 1 {
			return nil
		}
		u, err := unmarshalUser(f)
		r.User = u
		return err
	})
}

// SerializeModel encodes one of the models above in format.
func SerializeModel(format streamrpc.Format, v any) ([]byte, error) {
	return streamrpc.Marshal(format, v)
}

// DeserializeModel decodes data into a fresh T.
func DeserializeModel[T any](format streamrpc.Format, data []byte) (T, error) {
	return streamrpc.NewCodec[T](format).Decode(data)
}
